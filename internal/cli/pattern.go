// Package cli provides helpers shared by the command-line and MCP surfaces.
package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forest6511/vaultsync/pkg/vault"
)

// ErrNoMatch is returned when a selector matches no entry.
var ErrNoMatch = errors.New("no entries match")

// MatchEntries selects entries by id or title. A selector containing glob
// characters (*?[) is matched against titles case-insensitively; otherwise
// it must equal an id or a title exactly.
func MatchEntries(selector string, entries []vault.EntrySummary) ([]vault.EntrySummary, error) {
	if _, err := filepath.Match(selector, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", selector, err)
	}

	if !strings.ContainsAny(selector, "*?[") {
		for _, e := range entries {
			if e.ID == selector {
				return []vault.EntrySummary{e}, nil
			}
		}
		var matches []vault.EntrySummary
		for _, e := range entries {
			if e.Title == selector {
				matches = append(matches, e)
			}
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: '%s'", ErrNoMatch, selector)
		}
		return matches, nil
	}

	pattern := strings.ToLower(selector)
	var matches []vault.EntrySummary
	for _, e := range entries {
		ok, err := filepath.Match(pattern, strings.ToLower(e.Title))
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrNoMatch, selector)
	}
	return matches, nil
}

// ResolveOne returns the single entry a selector names. Ambiguous titles
// are an error listing the candidate ids.
func ResolveOne(selector string, entries []vault.EntrySummary) (vault.EntrySummary, error) {
	matches, err := MatchEntries(selector, entries)
	if err != nil {
		return vault.EntrySummary{}, err
	}
	if len(matches) > 1 {
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return vault.EntrySummary{}, fmt.Errorf("'%s' matches %d entries, use an id: %s",
			selector, len(matches), strings.Join(ids, ", "))
	}
	return matches[0], nil
}

// FilterKind keeps entries of kind. An empty kind keeps everything.
func FilterKind(entries []vault.EntrySummary, kind vault.EntryKind) []vault.EntrySummary {
	if kind == "" {
		return entries
	}
	var out []vault.EntrySummary
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// SortByTitle returns a copy sorted by title, then id.
func SortByTitle(entries []vault.EntrySummary) []vault.EntrySummary {
	sorted := make([]vault.EntrySummary, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Title != sorted[j].Title {
			return sorted[i].Title < sorted[j].Title
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
