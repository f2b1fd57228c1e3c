// Package importer parses exports of other password managers into vault
// entries. Supports 1Password CSV, Bitwarden JSON and LastPass CSV.
package importer

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultsync/pkg/vault"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ErrUnsupportedSource is returned by GetParser for unknown formats.
var ErrUnsupportedSource = errors.New("importer: unsupported import source")

// ImportResult contains the results of an import operation.
type ImportResult struct {
	// Entries are validated, unsaved password and note entries.
	Entries []*vault.Entry

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string

	// Skipped are items that were skipped with reasons.
	Skipped []SkippedItem
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for competitor format parsers.
type Parser interface {
	// Parse parses the input data into entries.
	Parse(data []byte) (*ImportResult, error)

	// Source returns the source type for this parser.
	Source() Source
}

// field is an extra labelled value carried into the notes.
type field struct {
	label string
	value string
}

// record is one parsed item before it becomes an entry.
type record struct {
	title    string
	url      string
	username string
	password string
	totp     string
	notes    string
	tags     []string
	fields   []field
	// secureNote forces a note entry.
	secureNote bool
}

func (r *record) empty() bool {
	return r.username == "" && r.password == "" && r.totp == "" &&
		IsEmptyOrWhitespace(r.notes) && len(r.fields) == 0
}

// body renders the notes, extra fields, TOTP seed and tags as text.
func (r *record) body(extra ...field) string {
	var b strings.Builder
	b.WriteString(r.notes)
	lines := append(append([]field(nil), extra...), r.fields...)
	if r.totp != "" {
		lines = append(lines, field{"TOTP", r.totp})
	}
	if len(r.tags) > 0 {
		lines = append(lines, field{"Tags", strings.Join(r.tags, ", ")})
	}
	for _, l := range lines {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.label)
		b.WriteString(": ")
		b.WriteString(l.value)
	}
	return b.String()
}

// entry converts r into a password entry when it has credentials and into
// a note entry otherwise. A URL the vault would reject is kept in the notes.
func (r *record) entry() (*vault.Entry, string) {
	if r.secureNote || (r.username == "" && r.password == "") {
		var extra []field
		if r.url != "" {
			extra = append(extra, field{"URL", r.url})
		}
		return vault.NewNoteEntry(r.title, r.body(extra...)), ""
	}

	var warning string
	data := vault.PasswordData{Username: r.username, Password: r.password}
	var extra []field
	if r.url != "" {
		if validURL(r.url) {
			data.URL = r.url
		} else {
			extra = append(extra, field{"URL", r.url})
			warning = "url moved to notes: only http and https are allowed"
		}
	}
	data.Notes = r.body(extra...)
	return vault.NewPasswordEntry(r.title, data), warning
}

func validURL(raw string) bool {
	if len(raw) > vault.MaxURLLength {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// collector turns records into a result.
type collector struct {
	result  *ImportResult
	counter int
}

func newCollector() *collector {
	return &collector{
		result: &ImportResult{
			Entries:  make([]*vault.Entry, 0),
			Warnings: make([]string, 0),
			Skipped:  make([]SkippedItem, 0),
		},
		counter: 1,
	}
}

func (c *collector) warn(where, msg string) {
	c.result.Warnings = append(c.result.Warnings, where+": "+msg)
}

// add validates r and appends its entry. where labels warnings.
func (c *collector) add(where string, r *record) {
	original := r.title
	if r.empty() {
		c.result.Skipped = append(c.result.Skipped, SkippedItem{OriginalName: original, Reason: "no useful data"})
		return
	}
	r.title = SanitizeTitle(r.title)
	if r.title == "" {
		r.title = GenerateFallbackTitle(r.url, c.counter)
		c.counter++
	}

	e, warning := r.entry()
	if warning != "" {
		c.warn(where, warning)
	}
	if err := e.Validate(); err != nil {
		c.result.Skipped = append(c.result.Skipped, SkippedItem{OriginalName: original, Reason: err.Error()})
		return
	}
	c.result.Entries = append(c.result.Entries, e)
}

func (c *collector) done() *ImportResult {
	DeduplicateTitles(c.result.Entries)
	return c.result
}

// SanitizeTitle normalises a title to NFC, collapses control characters and
// surrounding whitespace, and truncates it to vault.MaxTitleLength bytes on
// a character boundary.
func SanitizeTitle(title string) string {
	title = norm.NFC.String(title)
	title = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	for len(title) > vault.MaxTitleLength {
		_, size := utf8.DecodeLastRuneInString(title)
		title = title[:len(title)-size]
	}
	return title
}

// DeduplicateTitles appends " (2)", " (3)" and so on to repeated titles.
// Comparison is case-insensitive.
func DeduplicateTitles(entries []*vault.Entry) {
	seen := make(map[string]int)
	for _, e := range entries {
		base := strings.ToLower(e.Title)
		n := seen[base]
		seen[base] = n + 1
		if n > 0 {
			e.Title = fmt.Sprintf("%s (%d)", e.Title, n+1)
		}
	}
}

// GenerateFallbackTitle names an item without a title after its URL host,
// or "Imported item N".
func GenerateFallbackTitle(rawURL string, counter int) string {
	if host := extractHostname(rawURL); host != "" {
		return host
	}
	return fmt.Sprintf("Imported item %d", counter)
}

// extractHostname returns the host of rawURL without port or "www.".
func extractHostname(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// DecodeHTMLEntities decodes HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	return html.UnescapeString(s)
}

// IsEmptyOrWhitespace checks if a string is empty or contains only whitespace.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}
