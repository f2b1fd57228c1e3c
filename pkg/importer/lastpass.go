package importer

import "strings"

// LastPassParser parses LastPass CSV export files:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
)

// lpSecureNoteURL marks secure notes in LastPass exports.
const lpSecureNoteURL = "http://sn"

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data. Values may be HTML-encoded.
func (p *LastPassParser) Parse(data []byte) (*ImportResult, error) {
	c := newCollector()
	err := readCSV(data, lpColName, strings.ToLower, c, func(where string, row csvRow) {
		row.decode = DecodeHTMLEntities
		r := &record{
			title:    row.get(lpColName),
			url:      row.get(lpColURL),
			username: row.get(lpColUsername),
			password: row.get(lpColPassword),
			totp:     row.get(lpColTOTP),
			notes:    row.get(lpColExtra),
		}
		if r.url == lpSecureNoteURL {
			r.url = ""
			r.secureNote = true
		}
		// Nested groups are kept as one tag.
		if g := row.get(lpColGrouping); g != "" {
			r.tags = []string{g}
		}
		c.add(where, r)
	})
	if err != nil {
		return nil, err
	}
	return c.done(), nil
}
