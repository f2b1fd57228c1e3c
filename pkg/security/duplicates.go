package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultsync/pkg/vault"
)

// DuplicateGroup is a set of entries sharing one password.
type DuplicateGroup struct {
	EntryIDs []string `json:"entry_ids,omitempty"`
	Titles   []string `json:"titles,omitempty"`
	Count    int      `json:"count"`
}

// FindDuplicates groups password entries by password value.
// Values are compared as HMAC-SHA256 digests under a key that lives only as
// long as the Calculator, so no comparable digest is ever persisted.
// Returns groups sorted by count (most duplicated first).
func (c *Calculator) FindDuplicates(entries []*vault.Entry, limit int) ([]DuplicateGroup, error) {
	if err := c.ensureKey(); err != nil {
		return nil, err
	}

	byHash := make(map[string][]*vault.Entry)
	for _, e := range passwords(entries) {
		h := c.valueHash(e.Password.Password)
		byHash[h] = append(byHash[h], e)
	}

	var groups []DuplicateGroup
	for _, members := range byHash {
		if len(members) < 2 {
			continue
		}
		g := DuplicateGroup{Count: len(members)}
		sort.Slice(members, func(i, j int) bool { return members[i].Title < members[j].Title })
		for _, e := range members {
			g.EntryIDs = append(g.EntryIDs, e.ID)
			g.Titles = append(g.Titles, e.Title)
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Titles[0] < groups[j].Titles[0]
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (c *Calculator) ensureKey() error {
	if c.hmacKey != nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	c.hmacKey = key
	return nil
}

func (c *Calculator) valueHash(value string) string {
	h := hmac.New(sha256.New, c.hmacKey)
	h.Write([]byte(normalizeValue(value)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeValue trims surrounding whitespace and applies Unicode NFC.
func normalizeValue(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// FindWeakPasswords returns an issue per password entry rated Weak.
func FindWeakPasswords(entries []*vault.Entry, limit int) []SecurityIssue {
	var issues []SecurityIssue
	for _, e := range passwords(entries) {
		if Strength(e.Password.Password) != PasswordWeak {
			continue
		}
		issues = append(issues, SecurityIssue{
			Type:        IssueWeakPassword,
			Severity:    SeverityWarning,
			EntryIDs:    []string{e.ID},
			Titles:      []string{e.Title},
			Description: "Password has insufficient strength (" + formatLength(len([]rune(e.Password.Password))) + ")",
			Suggestion:  "Use a longer password (14+ characters)",
		})
		if limit > 0 && len(issues) == limit {
			break
		}
	}
	return issues
}

// passwords returns the password entries with a non-empty password.
func passwords(entries []*vault.Entry) []*vault.Entry {
	var out []*vault.Entry
	for _, e := range entries {
		if e.Kind == vault.KindPassword && e.Password != nil && e.Password.Password != "" {
			out = append(out, e)
		}
	}
	return out
}

func formatLength(n int) string {
	if n == 1 {
		return "1 character"
	}
	return strconv.Itoa(n) + " characters"
}
