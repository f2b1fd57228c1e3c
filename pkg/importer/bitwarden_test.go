package importer

import (
	"strings"
	"testing"

	"github.com/forest6511/vaultsync/pkg/vault"
)

const bitwardenExportJSON = `{
  "encrypted": false,
  "folders": [{"id": "f1", "name": "Work"}],
  "collections": [{"id": "c1", "name": "Shared"}],
  "items": [
    {
      "type": 1,
      "name": "GitHub",
      "notes": "personal",
      "folderId": "f1",
      "collectionIds": ["c1"],
      "login": {
        "uris": [{"uri": "https://github.com"}, {"uri": "https://gist.github.com"}],
        "username": "johndoe",
        "password": "gh-password",
        "totp": "JBSWY3DPEHPK3PXP"
      },
      "fields": [{"name": "PIN", "value": "1234", "type": 1}]
    },
    {"type": 2, "name": "Secret Note", "notes": "This is a very secret note"},
    {
      "type": 3,
      "name": "Visa",
      "card": {"cardholderName": "John Doe", "number": "4111111111111111", "expMonth": "12", "expYear": "2030", "code": "123", "brand": "Visa"}
    },
    {
      "type": 4,
      "name": "Passport",
      "identity": {"firstName": "John", "lastName": "Doe", "passportNumber": "X1234567"}
    },
    {"type": 5, "name": "SSH key"},
    {"type": 1, "name": "Empty login", "login": {"uris": [{"uri": "https://x.com"}]}}
  ]
}`

func TestBitwardenParser_Parse(t *testing.T) {
	result, err := (&BitwardenParser{}).Parse([]byte(bitwardenExportJSON))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Entries) != 4 {
		t.Fatalf("Parse() entries = %d, want 4", len(result.Entries))
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "unsupported item type: 5") {
		t.Errorf("Parse() warnings = %v, want unsupported type", result.Warnings)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].OriginalName != "Empty login" {
		t.Errorf("Parse() skipped = %v, want [Empty login]", result.Skipped)
	}

	login := result.Entries[0]
	if login.Kind != vault.KindPassword {
		t.Fatalf("login kind = %s, want password", login.Kind)
	}
	if login.Password.URL != "https://github.com" || login.Password.Username != "johndoe" {
		t.Errorf("login = %+v", login.Password)
	}
	wantNotes := "personal\nURL 2: https://gist.github.com\nPIN: 1234\nTOTP: JBSWY3DPEHPK3PXP\nTags: Work, Shared"
	if login.Password.Notes != wantNotes {
		t.Errorf("login notes = %q, want %q", login.Password.Notes, wantNotes)
	}

	note := result.Entries[1]
	if note.Kind != vault.KindNote || note.Note.Body != "This is a very secret note" {
		t.Errorf("note = %s %+v", note.Kind, note.Note)
	}

	card := result.Entries[2]
	if card.Kind != vault.KindNote {
		t.Fatalf("card kind = %s, want note", card.Kind)
	}
	for _, want := range []string{"Cardholder: John Doe", "Number: 4111111111111111", "Expires: 12/2030", "CVV: 123"} {
		if !strings.Contains(card.Note.Body, want) {
			t.Errorf("card body missing %q: %q", want, card.Note.Body)
		}
	}

	id := result.Entries[3]
	if !strings.Contains(id.Note.Body, "Passport: X1234567") {
		t.Errorf("identity body = %q", id.Note.Body)
	}
}

func TestBitwardenParser_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", "{not json"},
		{"encrypted export", `{"encrypted": true, "items": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (&BitwardenParser{}).Parse([]byte(tt.data)); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}

func TestBitwardenParser_EmptyItems(t *testing.T) {
	result, err := (&BitwardenParser{}).Parse([]byte(`{"items": []}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Entries) != 0 || len(result.Warnings) != 0 {
		t.Errorf("Parse() = %+v, want empty result", result)
	}
}
