package importer

import (
	"encoding/json"
	"fmt"
)

// BitwardenParser parses Bitwarden JSON export files.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// Bitwarden custom field types.
const (
	bitwardenFieldText    = 0
	bitwardenFieldHidden  = 1
	bitwardenFieldBoolean = 2
)

// bitwardenExport represents the top-level Bitwarden export structure.
type bitwardenExport struct {
	Encrypted   bool                  `json:"encrypted"`
	Items       []bitwardenItem       `json:"items"`
	Folders     []bitwardenFolder     `json:"folders"`
	Collections []bitwardenCollection `json:"collections"`
}

type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenItem struct {
	Type          int                    `json:"type"`
	Name          string                 `json:"name"`
	Notes         string                 `json:"notes"`
	FolderID      *string                `json:"folderId"`
	CollectionIDs []string               `json:"collectionIds"`
	Login         *bitwardenLogin        `json:"login"`
	Card          *bitwardenCard         `json:"card"`
	Identity      *bitwardenIdentity     `json:"identity"`
	Fields        []bitwardenCustomField `json:"fields"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCard struct {
	CardholderName string `json:"cardholderName"`
	Number         string `json:"number"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
	Code           string `json:"code"`
	Brand          string `json:"brand"`
}

type bitwardenIdentity struct {
	Title          string `json:"title"`
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	Username       string `json:"username"`
	Company        string `json:"company"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address1       string `json:"address1"`
	Address2       string `json:"address2"`
	Address3       string `json:"address3"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postalCode"`
	Country        string `json:"country"`
	SSN            string `json:"ssn"`
	PassportNumber string `json:"passportNumber"`
	LicenseNumber  string `json:"licenseNumber"`
}

type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses an unencrypted Bitwarden JSON export. Logins become password
// entries; secure notes, cards and identities become note entries.
func (p *BitwardenParser) Parse(data []byte) (*ImportResult, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported; export as unencrypted JSON")
	}

	names := make(map[string]string)
	for _, f := range export.Folders {
		names[f.ID] = f.Name
	}
	for _, col := range export.Collections {
		names[col.ID] = col.Name
	}

	c := newCollector()
	for i := range export.Items {
		item := &export.Items[i]
		where := fmt.Sprintf("item %d (%s)", i+1, item.Name)

		r := &record{title: item.Name, notes: item.Notes}
		switch item.Type {
		case bitwardenTypeLogin:
			parseLogin(item, r)
		case bitwardenTypeSecureNote:
			r.secureNote = true
		case bitwardenTypeCard:
			r.secureNote = true
			parseCard(item, r)
		case bitwardenTypeIdentity:
			r.secureNote = true
			parseIdentity(item, r)
		default:
			c.warn(where, fmt.Sprintf("unsupported item type: %d", item.Type))
			continue
		}

		for _, cf := range item.Fields {
			label := cf.Name
			if label == "" {
				label = "Custom field"
			}
			if cf.Type == bitwardenFieldBoolean && cf.Value == "" {
				cf.Value = "false"
			}
			r.fields = append(r.fields, field{label, cf.Value})
		}

		if item.FolderID != nil {
			if name := names[*item.FolderID]; name != "" {
				r.tags = append(r.tags, name)
			}
		}
		for _, id := range item.CollectionIDs {
			if name := names[id]; name != "" {
				r.tags = append(r.tags, name)
			}
		}
		c.add(where, r)
	}
	return c.done(), nil
}

// parseLogin fills credentials. The first URI is the entry URL; others are
// kept as fields.
func parseLogin(item *bitwardenItem, r *record) {
	login := item.Login
	if login == nil {
		return
	}
	r.username = login.Username
	r.password = login.Password
	r.totp = login.TOTP
	for i, u := range login.URIs {
		if u.URI == "" {
			continue
		}
		if r.url == "" {
			r.url = u.URI
			continue
		}
		r.fields = append(r.fields, field{fmt.Sprintf("URL %d", i+1), u.URI})
	}
}

func addField(r *record, label, value string) {
	if value != "" {
		r.fields = append(r.fields, field{label, value})
	}
}

func parseCard(item *bitwardenItem, r *record) {
	card := item.Card
	if card == nil {
		return
	}
	addField(r, "Cardholder", card.CardholderName)
	addField(r, "Brand", card.Brand)
	addField(r, "Number", card.Number)
	if card.ExpMonth != "" || card.ExpYear != "" {
		addField(r, "Expires", card.ExpMonth+"/"+card.ExpYear)
	}
	addField(r, "CVV", card.Code)
}

func parseIdentity(item *bitwardenItem, r *record) {
	id := item.Identity
	if id == nil {
		return
	}
	addField(r, "Title", id.Title)
	addField(r, "First name", id.FirstName)
	addField(r, "Middle name", id.MiddleName)
	addField(r, "Last name", id.LastName)
	addField(r, "Username", id.Username)
	addField(r, "Company", id.Company)
	addField(r, "Email", id.Email)
	addField(r, "Phone", id.Phone)
	addField(r, "Address", id.Address1)
	addField(r, "Address 2", id.Address2)
	addField(r, "Address 3", id.Address3)
	addField(r, "City", id.City)
	addField(r, "State", id.State)
	addField(r, "Postal code", id.PostalCode)
	addField(r, "Country", id.Country)
	addField(r, "SSN", id.SSN)
	addField(r, "Passport", id.PassportNumber)
	addField(r, "License", id.LicenseNumber)
}
