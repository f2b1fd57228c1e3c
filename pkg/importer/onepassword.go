package importer

// OnePasswordParser parses 1Password CSV export files:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names (header-based parsing).
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColArchived = "Archived"
	op1ColTags     = "Tags"
	op1ColNotes    = "Notes"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data.
func (p *OnePasswordParser) Parse(data []byte) (*ImportResult, error) {
	c := newCollector()
	err := readCSV(data, op1ColTitle, identity, c, func(where string, row csvRow) {
		r := &record{
			title:    row.get(op1ColTitle),
			url:      row.get(op1ColWebsite),
			username: row.get(op1ColUsername),
			password: row.get(op1ColPassword),
			totp:     row.get(op1ColOTPAuth),
			notes:    row.get(op1ColNotes),
			tags:     splitTags(row.get(op1ColTags)),
		}
		if row.get(op1ColArchived) == "true" {
			r.tags = append(r.tags, "archived")
		}
		c.add(where, r)
	})
	if err != nil {
		return nil, err
	}
	return c.done(), nil
}
