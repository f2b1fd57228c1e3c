package importer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/forest6511/vaultsync/pkg/vault"
)

const op1Header = "Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes"

func TestOnePasswordParser_Parse(t *testing.T) {
	tests := []struct {
		name         string
		csvData      string
		wantEntries  int
		wantWarnings int
		wantSkipped  int
		wantError    bool
		checkFirst   func(t *testing.T, e *vault.Entry)
	}{
		{
			name: "standard login entry",
			csvData: op1Header + `
GitHub,https://github.com,johndoe,mysecretpass123,otpauth://totp/GitHub?secret=ABC123,false,false,work,My GitHub account`,
			wantEntries: 1,
			checkFirst: func(t *testing.T, e *vault.Entry) {
				if e.Kind != vault.KindPassword || e.Title != "GitHub" {
					t.Fatalf("entry = %s %q, want password GitHub", e.Kind, e.Title)
				}
				p := e.Password
				if p.Username != "johndoe" || p.Password != "mysecretpass123" || p.URL != "https://github.com" {
					t.Errorf("Password = %+v", p)
				}
				want := "My GitHub account\nTOTP: otpauth://totp/GitHub?secret=ABC123\nTags: work"
				if p.Notes != want {
					t.Errorf("Notes = %q, want %q", p.Notes, want)
				}
			},
		},
		{
			name: "BOM and archived tag",
			csvData: "\xEF\xBB\xBF" + op1Header + `
AWS,https://aws.amazon.com,admin,pw,,false,true,,`,
			wantEntries: 1,
			checkFirst: func(t *testing.T, e *vault.Entry) {
				if e.Password.Notes != "Tags: archived" {
					t.Errorf("Notes = %q, want %q", e.Password.Notes, "Tags: archived")
				}
			},
		},
		{
			name: "empty title falls back to host",
			csvData: op1Header + `
,https://www.example.com/login,user,pw,,false,false,,`,
			wantEntries: 1,
			checkFirst: func(t *testing.T, e *vault.Entry) {
				if e.Title != "example.com" {
					t.Errorf("Title = %q, want %q", e.Title, "example.com")
				}
			},
		},
		{
			name: "note without credentials",
			csvData: op1Header + `
Door code,,,,,false,false,,"1234#"`,
			wantEntries: 1,
			checkFirst: func(t *testing.T, e *vault.Entry) {
				if e.Kind != vault.KindNote || e.Note.Body != "1234#" {
					t.Errorf("entry = %s %+v, want note 1234#", e.Kind, e.Note)
				}
			},
		},
		{
			name: "row with no data is skipped",
			csvData: op1Header + `
Empty,https://example.com,,,,false,false,,`,
			wantSkipped: 1,
		},
		{
			name: "column count mismatch",
			csvData: op1Header + `
GitHub,https://github.com,user
GitLab,https://gitlab.com,user,pw,,false,false,,`,
			wantEntries:  1,
			wantWarnings: 1,
		},
		{
			name:      "missing title column",
			csvData:   "Website,Username\nhttps://x.com,u",
			wantError: true,
		},
		{
			name:      "empty input",
			csvData:   "",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &OnePasswordParser{}
			result, err := p.Parse([]byte(tt.csvData))
			if (err != nil) != tt.wantError {
				t.Fatalf("Parse() error = %v, wantError %v", err, tt.wantError)
			}
			if err != nil {
				return
			}
			if len(result.Entries) != tt.wantEntries {
				t.Errorf("Parse() entries = %d, want %d", len(result.Entries), tt.wantEntries)
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("Parse() warnings = %v, want %d", result.Warnings, tt.wantWarnings)
			}
			if len(result.Skipped) != tt.wantSkipped {
				t.Errorf("Parse() skipped = %v, want %d", result.Skipped, tt.wantSkipped)
			}
			if tt.checkFirst != nil && len(result.Entries) > 0 {
				tt.checkFirst(t, result.Entries[0])
			}
		})
	}
}

func TestOnePasswordParser_Deduplication(t *testing.T) {
	csvData := op1Header + `
GitHub,https://github.com,user1,pass1,,false,false,,
GitHub,https://github.com,user2,pass2,,false,false,,
github,https://github.com,user3,pass3,,false,false,,`

	result, err := (&OnePasswordParser{}).Parse([]byte(csvData))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []string{"GitHub", "GitHub (2)", "github (3)"}
	for i, e := range result.Entries {
		if e.Title != want[i] {
			t.Errorf("entries[%d].Title = %q, want %q", i, e.Title, want[i])
		}
	}
}

func TestOnePasswordParser_LargeFile(t *testing.T) {
	var b strings.Builder
	b.WriteString(op1Header)
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "\nSite %d,https://site%d.com,user%d,pass%d,,false,false,,", i, i, i, i)
	}
	result, err := (&OnePasswordParser{}).Parse([]byte(b.String()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Entries) != 1000 {
		t.Errorf("Parse() entries = %d, want 1000", len(result.Entries))
	}
}
