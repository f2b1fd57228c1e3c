package cli

import (
	"errors"
	"testing"

	"github.com/forest6511/vaultsync/pkg/vault"
)

var testEntries = []vault.EntrySummary{
	{ID: "id-1", Kind: vault.KindPassword, Title: "AWS Console"},
	{ID: "id-2", Kind: vault.KindPassword, Title: "AWS Root"},
	{ID: "id-3", Kind: vault.KindNote, Title: "Recovery codes"},
	{ID: "id-4", Kind: vault.KindFile, Title: "passport.pdf"},
	{ID: "id-5", Kind: vault.KindNote, Title: "Recovery codes"},
}

func ids(entries []vault.EntrySummary) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestMatchEntries(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		expected []string
		wantErr  bool
	}{
		{name: "exact id", selector: "id-3", expected: []string{"id-3"}},
		{name: "exact title", selector: "AWS Root", expected: []string{"id-2"}},
		{name: "duplicate title", selector: "Recovery codes", expected: []string{"id-3", "id-5"}},
		{name: "wildcard prefix", selector: "AWS*", expected: []string{"id-1", "id-2"}},
		{name: "case insensitive glob", selector: "aws *", expected: []string{"id-1", "id-2"}},
		{name: "wildcard suffix", selector: "*.pdf", expected: []string{"id-4"}},
		{name: "question mark", selector: "AWS R??t", expected: []string{"id-2"}},
		{name: "match all", selector: "*", expected: []string{"id-1", "id-2", "id-3", "id-4", "id-5"}},
		{name: "exact title is case sensitive", selector: "aws root", wantErr: true},
		{name: "no match glob", selector: "GCP*", wantErr: true},
		{name: "invalid pattern", selector: "[", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchEntries(tt.selector, testEntries)
			if tt.wantErr {
				if err == nil {
					t.Errorf("MatchEntries(%q) error = nil, want error", tt.selector)
				}
				return
			}
			if err != nil {
				t.Fatalf("MatchEntries(%q) error = %v", tt.selector, err)
			}
			gotIDs := ids(got)
			if len(gotIDs) != len(tt.expected) {
				t.Fatalf("MatchEntries(%q) = %v, want %v", tt.selector, gotIDs, tt.expected)
			}
			for i := range gotIDs {
				if gotIDs[i] != tt.expected[i] {
					t.Errorf("MatchEntries(%q)[%d] = %s, want %s", tt.selector, i, gotIDs[i], tt.expected[i])
				}
			}
		})
	}
}

func TestResolveOne(t *testing.T) {
	got, err := ResolveOne("AWS Root", testEntries)
	if err != nil || got.ID != "id-2" {
		t.Errorf("ResolveOne() = %v, %v", got.ID, err)
	}
	if _, err := ResolveOne("Recovery codes", testEntries); err == nil {
		t.Error("ResolveOne(ambiguous) error = nil")
	}
	if _, err := ResolveOne("missing", testEntries); !errors.Is(err, ErrNoMatch) {
		t.Errorf("ResolveOne(missing) error = %v, want ErrNoMatch", err)
	}
}

func TestFilterKind(t *testing.T) {
	if got := FilterKind(testEntries, vault.KindNote); len(got) != 2 {
		t.Errorf("FilterKind(note) = %v", ids(got))
	}
	if got := FilterKind(testEntries, ""); len(got) != len(testEntries) {
		t.Errorf("FilterKind(\"\") = %d entries", len(got))
	}
}

func TestSortByTitle(t *testing.T) {
	sorted := SortByTitle(testEntries)
	want := []string{"id-1", "id-2", "id-3", "id-5", "id-4"}
	for i, id := range ids(sorted) {
		if id != want[i] {
			t.Errorf("SortByTitle()[%d] = %s, want %s", i, id, want[i])
		}
	}
	if testEntries[3].ID != "id-4" {
		t.Error("SortByTitle() modified its input")
	}
}
