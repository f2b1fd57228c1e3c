package security

import (
	"strconv"
	"time"

	"github.com/forest6511/vaultsync/pkg/vault"
)

// SecurityScore represents the overall security assessment of a vault.
type SecurityScore struct {
	// Overall is the total score (0-100).
	Overall int `json:"overall"`
	// Components breaks down the score into categories.
	Components ScoreComponents `json:"components"`
	// Issues contains the detected security issues.
	Issues []SecurityIssue `json:"issues"`
	// Suggestions provides actionable recommendations.
	Suggestions []string `json:"suggestions"`
	// Limited is set when issues were cut to the requested limit.
	Limited bool `json:"limited"`
}

// ScoreComponents breaks down the security score into categories.
// Each component contributes up to 25 points (total: 100).
type ScoreComponents struct {
	// StrengthScore is based on average password strength (0-25).
	StrengthScore int `json:"strength"`
	// UniquenessScore is based on percentage of unique passwords (0-25).
	UniquenessScore int `json:"uniqueness"`
	// FreshnessScore is based on percentage of recently changed passwords (0-25).
	FreshnessScore int `json:"freshness"`
	// SyncScore is based on percentage of entries durable on the remote (0-25).
	SyncScore int `json:"sync"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	// IssueWeakPassword indicates a password with insufficient strength.
	IssueWeakPassword IssueType = "weak"
	// IssueDuplicatePassword indicates passwords reused across entries.
	IssueDuplicatePassword IssueType = "duplicate"
	// IssueStalePassword indicates a password unchanged for longer than the max age.
	IssueStalePassword IssueType = "stale"
	// IssueNotSynced indicates an entry that is not yet durable on the remote.
	IssueNotSynced IssueType = "not_synced"
	// IssueSyncError indicates an entry whose last upload failed.
	IssueSyncError IssueType = "sync_error"
)

// Severity indicates the urgency of a security issue.
type Severity string

const (
	// SeverityCritical requires immediate attention.
	SeverityCritical Severity = "critical"
	// SeverityWarning should be addressed soon.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
)

// SecurityIssue represents a detected security problem.
type SecurityIssue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	EntryIDs    []string  `json:"entry_ids,omitempty"`
	Titles      []string  `json:"titles,omitempty"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Source is the read side of an unlocked vault.
type Source interface {
	List() ([]vault.EntrySummary, error)
	Get(id string) (*vault.Entry, error)
}

// DefaultMaxAgeDays is the password age after which a stale issue is raised.
const DefaultMaxAgeDays = 365

// Calculator computes security scores for a vault.
type Calculator struct {
	src        Source
	hmacKey    []byte // per-calculator key for duplicate detection
	maxAgeDays int
	now        func() time.Time
}

// NewCalculator creates a calculator reading entries from src.
func NewCalculator(src Source) *Calculator {
	return &Calculator{src: src, maxAgeDays: DefaultMaxAgeDays, now: time.Now}
}

// WithMaxAgeDays sets the age after which a password counts as stale.
func (c *Calculator) WithMaxAgeDays(days int) *Calculator {
	c.maxAgeDays = days
	return c
}

// WithClock replaces the time source.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Entries loads every password entry. Entries that fail to open are skipped.
func (c *Calculator) Entries() ([]*vault.Entry, []vault.EntrySummary, error) {
	summaries, err := c.src.List()
	if err != nil {
		return nil, nil, err
	}
	var entries []*vault.Entry
	for _, s := range summaries {
		if s.Kind != vault.KindPassword {
			continue
		}
		e, err := c.src.Get(s.ID)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, summaries, nil
}

// CalculateScore computes the full security score. limit caps the issues
// of each type; 0 means no cap.
func (c *Calculator) CalculateScore(limit int) (*SecurityScore, error) {
	entries, summaries, err := c.Entries()
	if err != nil {
		return nil, err
	}

	strengthScore, weakIssues := c.calculateStrengthScore(entries)
	uniquenessScore, dupIssues, err := c.calculateUniquenessScore(entries)
	if err != nil {
		return nil, err
	}
	freshnessScore, staleIssues := c.calculateFreshnessScore(entries)
	syncScore, syncIssues := c.calculateSyncScore(summaries)

	var all []SecurityIssue
	all = append(all, weakIssues...)
	all = append(all, dupIssues...)
	all = append(all, staleIssues...)
	all = append(all, syncIssues...)

	limited := false
	if limit > 0 {
		all, limited = applyLimit(all, limit)
	}
	if all == nil {
		all = []SecurityIssue{}
	}

	return &SecurityScore{
		Overall: strengthScore + uniquenessScore + freshnessScore + syncScore,
		Components: ScoreComponents{
			StrengthScore:   strengthScore,
			UniquenessScore: uniquenessScore,
			FreshnessScore:  freshnessScore,
			SyncScore:       syncScore,
		},
		Issues:      all,
		Suggestions: generateSuggestions(all),
		Limited:     limited,
	}, nil
}

// calculateStrengthScore averages strength points over password entries.
func (c *Calculator) calculateStrengthScore(entries []*vault.Entry) (int, []SecurityIssue) {
	pw := passwords(entries)
	if len(pw) == 0 {
		return 25, nil
	}
	total := 0
	for _, e := range pw {
		total += Strength(e.Password.Password).Points()
	}
	score := total / len(pw)
	if score > 25 {
		score = 25
	}
	return score, FindWeakPasswords(entries, 0)
}

// calculateUniquenessScore scales the unique password ratio to 0-25.
func (c *Calculator) calculateUniquenessScore(entries []*vault.Entry) (int, []SecurityIssue, error) {
	groups, err := c.FindDuplicates(entries, 0)
	if err != nil {
		return 0, nil, err
	}
	pw := passwords(entries)
	if len(pw) == 0 {
		return 25, nil, nil
	}

	unique := len(pw)
	var issues []SecurityIssue
	for _, g := range groups {
		unique -= g.Count - 1
		issues = append(issues, SecurityIssue{
			Type:        IssueDuplicatePassword,
			Severity:    SeverityWarning,
			EntryIDs:    g.EntryIDs,
			Titles:      g.Titles,
			Description: strconv.Itoa(g.Count) + " entries share the same password",
			Suggestion:  "Use a unique password for each entry",
		})
	}
	return unique * 25 / len(pw), issues, nil
}

// calculateFreshnessScore scales the ratio of passwords changed within the
// max age to 0-25.
func (c *Calculator) calculateFreshnessScore(entries []*vault.Entry) (int, []SecurityIssue) {
	pw := passwords(entries)
	if len(pw) == 0 || c.maxAgeDays <= 0 {
		return 25, nil
	}
	now := c.now()
	cutoff := now.AddDate(0, 0, -c.maxAgeDays)

	fresh := 0
	var issues []SecurityIssue
	for _, e := range pw {
		modified := time.UnixMilli(e.Modified)
		if !modified.Before(cutoff) {
			fresh++
			continue
		}
		days := int(now.Sub(modified).Hours() / 24)
		issues = append(issues, SecurityIssue{
			Type:        IssueStalePassword,
			Severity:    SeverityInfo,
			EntryIDs:    []string{e.ID},
			Titles:      []string{e.Title},
			Description: "Password unchanged for " + formatDays(days),
			Suggestion:  "Rotate passwords older than " + formatDays(c.maxAgeDays),
		})
	}
	return fresh * 25 / len(pw), issues
}

// calculateSyncScore scales the ratio of durable entries to 0-25.
func (c *Calculator) calculateSyncScore(summaries []vault.EntrySummary) (int, []SecurityIssue) {
	if len(summaries) == 0 {
		return 25, nil
	}
	durable := 0
	var issues []SecurityIssue
	for _, s := range summaries {
		switch {
		case s.Durable:
			durable++
		case s.Status == vault.StatusError:
			issues = append(issues, SecurityIssue{
				Type:        IssueSyncError,
				Severity:    SeverityCritical,
				EntryIDs:    []string{s.ID},
				Titles:      []string{s.Title},
				Description: "Last upload failed",
				Suggestion:  "Run 'vaultsync sync' to retry",
			})
		default:
			issues = append(issues, SecurityIssue{
				Type:        IssueNotSynced,
				Severity:    SeverityInfo,
				EntryIDs:    []string{s.ID},
				Titles:      []string{s.Title},
				Description: "Only stored on this device",
				Suggestion:  "Run 'vaultsync sync' to back it up",
			})
		}
	}
	return durable * 25 / len(summaries), issues
}

// applyLimit keeps at most limit issues of each type.
func applyLimit(issues []SecurityIssue, limit int) ([]SecurityIssue, bool) {
	counts := make(map[IssueType]int)
	limited := false
	var out []SecurityIssue
	for _, issue := range issues {
		if counts[issue.Type] >= limit {
			limited = true
			continue
		}
		counts[issue.Type]++
		out = append(out, issue)
	}
	return out, limited
}

// generateSuggestions creates one recommendation per issue type present.
func generateSuggestions(issues []SecurityIssue) []string {
	seen := make(map[IssueType]bool)
	for _, issue := range issues {
		seen[issue.Type] = true
	}
	var suggestions []string
	if seen[IssueSyncError] {
		suggestions = append(suggestions, "Fix failed uploads so every entry is backed up")
	}
	if seen[IssueWeakPassword] {
		suggestions = append(suggestions, "Update weak passwords with stronger alternatives (14+ characters)")
	}
	if seen[IssueDuplicatePassword] {
		suggestions = append(suggestions, "Replace duplicate passwords with unique values")
	}
	if seen[IssueStalePassword] {
		suggestions = append(suggestions, "Rotate old passwords")
	}
	if seen[IssueNotSynced] {
		suggestions = append(suggestions, "Sync to make new entries durable on the remote")
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	return suggestions
}

// formatDays returns a human-readable day count.
func formatDays(days int) string {
	if days == 0 {
		return "today"
	}
	if days == 1 {
		return "1 day"
	}
	return strconv.Itoa(days) + " days"
}
