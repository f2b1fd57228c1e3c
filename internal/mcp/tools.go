package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/vaultsync/internal/cli"
	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/syncer"
	"github.com/forest6511/vaultsync/pkg/syncstate"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// Tool names.
const (
	ToolEntryList      = "entry_list"
	ToolEntryExists    = "entry_exists"
	ToolEntryGetMasked = "entry_get_masked"
	ToolVaultStatus    = "vault_status"
	ToolSyncStatus     = "sync_status"
)

// recentResolutions bounds the resolutions sync_status returns.
const recentResolutions = 20

func knownTool(name string) bool {
	switch name {
	case ToolEntryList, ToolEntryExists, ToolEntryGetMasked, ToolVaultStatus, ToolSyncStatus:
		return true
	}
	return false
}

// EntryListInput represents input for entry_list tool.
type EntryListInput struct {
	Kind    string `json:"kind,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// EntryListOutput represents output for entry_list tool.
type EntryListOutput struct {
	Entries []EntryInfo `json:"entries"`
}

// EntryInfo is entry metadata without values.
type EntryInfo struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	ModifiedAt string `json:"modified_at"`
	SyncStatus string `json:"sync_status"`
}

// EntryExistsInput represents input for entry_exists tool.
type EntryExistsInput struct {
	ID string `json:"id"`
}

// EntryExistsOutput represents output for entry_exists tool.
type EntryExistsOutput struct {
	Exists      bool   `json:"exists"`
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty"`
	Title       string `json:"title,omitempty"`
	HasUsername bool   `json:"has_username"`
	HasURL      bool   `json:"has_url"`
	HasNotes    bool   `json:"has_notes"`
	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	ModifiedAt  string `json:"modified_at,omitempty"`
}

// EntryGetMaskedInput represents input for entry_get_masked tool.
type EntryGetMaskedInput struct {
	ID string `json:"id"`
}

// EntryGetMaskedOutput represents output for entry_get_masked tool.
type EntryGetMaskedOutput struct {
	ID          string `json:"id"`
	MaskedValue string `json:"masked_value"`
	ValueLength int    `json:"value_length"`
}

// VaultStatusInput is empty.
type VaultStatusInput struct{}

// VaultStatusOutput represents output for vault_status tool.
type VaultStatusOutput struct {
	EntryCount int            `json:"entry_count"`
	ByKind     map[string]int `json:"by_kind"`
	Pending    int            `json:"pending"`
	Synced     int            `json:"synced"`
	Errors     int            `json:"errors"`
	CreatedAt  string         `json:"created_at,omitempty"`
	LastSyncAt string         `json:"last_sync_at,omitempty"`
}

// SyncStatusInput is empty.
type SyncStatusInput struct{}

// SyncStatusOutput represents output for sync_status tool.
type SyncStatusOutput struct {
	LastSyncAt  string           `json:"last_sync_at,omitempty"`
	Tracked     int              `json:"tracked"`
	Pending     []string         `json:"pending"`
	Resolutions []ResolutionInfo `json:"resolutions"`
}

// ResolutionInfo is one logged conflict decision.
type ResolutionInfo struct {
	EntryID    string `json:"entry_id"`
	Conflict   string `json:"conflict"`
	Strategy   string `json:"strategy"`
	ResolvedAt string `json:"resolved_at"`
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleEntryList handles the entry_list tool call.
func (s *Server) handleEntryList(_ context.Context, _ *mcp.CallToolRequest, input EntryListInput) (*mcp.CallToolResult, EntryListOutput, error) {
	if err := s.checkPolicy(ToolEntryList); err != nil {
		return nil, EntryListOutput{}, err
	}
	kind := vault.EntryKind(input.Kind)
	if kind != "" && !kind.Valid() {
		return nil, EntryListOutput{}, fmt.Errorf("invalid kind: %s", input.Kind)
	}

	entries, err := s.view.List()
	if err != nil {
		return nil, EntryListOutput{}, fmt.Errorf("failed to list entries: %w", err)
	}
	entries = cli.FilterKind(entries, kind)
	if input.Pattern != "" {
		entries, err = cli.MatchEntries(input.Pattern, entries)
		if errors.Is(err, cli.ErrNoMatch) {
			entries, err = nil, nil
		}
		if err != nil {
			return nil, EntryListOutput{}, err
		}
	}

	output := EntryListOutput{Entries: make([]EntryInfo, 0, len(entries))}
	for _, e := range cli.SortByTitle(entries) {
		output.Entries = append(output.Entries, EntryInfo{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Title:      e.Title,
			ModifiedAt: formatMillis(e.Modified),
			SyncStatus: string(e.Status),
		})
	}
	s.audit(audit.OpEntryList, "", audit.ResultSuccess)
	return nil, output, nil
}

// handleEntryExists handles the entry_exists tool call.
func (s *Server) handleEntryExists(_ context.Context, _ *mcp.CallToolRequest, input EntryExistsInput) (*mcp.CallToolResult, EntryExistsOutput, error) {
	if err := s.checkPolicy(ToolEntryExists); err != nil {
		return nil, EntryExistsOutput{}, err
	}
	if input.ID == "" {
		return nil, EntryExistsOutput{}, errors.New("id is required")
	}

	entry, err := s.view.Get(input.ID)
	if err != nil {
		if errors.Is(err, vault.ErrEntryNotFound) {
			return nil, EntryExistsOutput{Exists: false, ID: input.ID}, nil
		}
		return nil, EntryExistsOutput{}, fmt.Errorf("failed to get entry: %w", err)
	}

	output := EntryExistsOutput{
		Exists:     true,
		ID:         entry.ID,
		Kind:       string(entry.Kind),
		Title:      entry.Title,
		CreatedAt:  formatMillis(entry.Created),
		ModifiedAt: formatMillis(entry.Modified),
	}
	switch {
	case entry.Password != nil:
		output.HasUsername = entry.Password.Username != ""
		output.HasURL = entry.Password.URL != ""
		output.HasNotes = entry.Password.Notes != ""
	case entry.Note != nil:
		output.HasNotes = entry.Note.Body != ""
	case entry.File != nil:
		output.FileName = entry.File.Name
		output.FileSize = entry.File.Size
	}
	s.audit(audit.OpEntryExists, entry.ID, audit.ResultSuccess)
	return nil, output, nil
}

// handleEntryGetMasked handles the entry_get_masked tool call.
func (s *Server) handleEntryGetMasked(_ context.Context, _ *mcp.CallToolRequest, input EntryGetMaskedInput) (*mcp.CallToolResult, EntryGetMaskedOutput, error) {
	if err := s.checkPolicy(ToolEntryGetMasked); err != nil {
		return nil, EntryGetMaskedOutput{}, err
	}
	if input.ID == "" {
		return nil, EntryGetMaskedOutput{}, errors.New("id is required")
	}

	entry, err := s.view.Get(input.ID)
	if err != nil {
		return nil, EntryGetMaskedOutput{}, fmt.Errorf("failed to get entry: %w", err)
	}
	if entry.Password == nil {
		return nil, EntryGetMaskedOutput{}, fmt.Errorf("entry %s is not a password entry", input.ID)
	}

	value := []byte(entry.Password.Password)
	defer crypto.SecureWipe(value)
	s.audit(audit.OpEntryGet, entry.ID, audit.ResultSuccess)
	return nil, EntryGetMaskedOutput{
		ID:          entry.ID,
		MaskedValue: maskValue(value),
		ValueLength: len(value),
	}, nil
}

// maskValue masks a secret value.
// | Length  | Format          | Example   |
// |---------|-----------------|-----------|
// | 1-4     | All *           | ****      |
// | 5-8     | Show last 2     | ******XY  |
// | 9+      | Show last 4     | ****WXYZ  |
func maskValue(value []byte) string {
	length := len(value)
	if length == 0 {
		return ""
	}

	switch {
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + string(value[length-2:])
	default:
		return strings.Repeat("*", length-4) + string(value[length-4:])
	}
}

// handleVaultStatus handles the vault_status tool call.
func (s *Server) handleVaultStatus(_ context.Context, _ *mcp.CallToolRequest, _ VaultStatusInput) (*mcp.CallToolResult, VaultStatusOutput, error) {
	if err := s.checkPolicy(ToolVaultStatus); err != nil {
		return nil, VaultStatusOutput{}, err
	}
	stats, err := s.view.Status()
	if err != nil {
		return nil, VaultStatusOutput{}, fmt.Errorf("failed to read vault status: %w", err)
	}
	output := VaultStatusOutput{
		EntryCount: stats.EntryCount,
		ByKind:     make(map[string]int, len(stats.ByKind)),
		Pending:    stats.Pending,
		Synced:     stats.Synced,
		Errors:     stats.Errors,
		CreatedAt:  formatTime(stats.Created),
		LastSyncAt: formatTime(stats.LastSync),
	}
	for k, n := range stats.ByKind {
		output.ByKind[string(k)] = n
	}
	return nil, output, nil
}

// handleSyncStatus handles the sync_status tool call.
func (s *Server) handleSyncStatus(_ context.Context, _ *mcp.CallToolRequest, _ SyncStatusInput) (*mcp.CallToolResult, SyncStatusOutput, error) {
	if err := s.checkPolicy(ToolSyncStatus); err != nil {
		return nil, SyncStatusOutput{}, err
	}
	output := SyncStatusOutput{Pending: []string{}, Resolutions: []ResolutionInfo{}}

	rv, ok := s.view.(*duress.RealView)
	if !ok {
		stats, err := s.view.Status()
		if err != nil {
			return nil, SyncStatusOutput{}, err
		}
		output.LastSyncAt = formatTime(stats.LastSync)
		output.Tracked = stats.EntryCount
		return nil, output, nil
	}

	session := rv.Session()
	statePath := filepath.Join(s.vaultPath, syncstate.FileName)
	if _, err := os.Stat(statePath); err != nil {
		stats, err := session.Stats()
		if err != nil {
			return nil, SyncStatusOutput{}, err
		}
		pending, err := session.PendingEntries()
		if err != nil {
			return nil, SyncStatusOutput{}, err
		}
		output.LastSyncAt = formatTime(stats.LastSync)
		output.Pending = append(output.Pending, pending...)
		return nil, output, nil
	}

	state, err := syncstate.Open(statePath)
	if err != nil {
		return nil, SyncStatusOutput{}, fmt.Errorf("failed to open sync state: %w", err)
	}
	defer state.Close()
	st, err := syncer.LocalStatus(session, state, recentResolutions)
	if err != nil {
		return nil, SyncStatusOutput{}, fmt.Errorf("failed to read sync status: %w", err)
	}
	output.LastSyncAt = formatTime(st.LastSync)
	output.Tracked = st.Tracked
	output.Pending = append(output.Pending, st.Pending...)
	for _, r := range st.Resolutions {
		output.Resolutions = append(output.Resolutions, ResolutionInfo{
			EntryID:    r.EntryID,
			Conflict:   r.Conflict,
			Strategy:   r.Strategy,
			ResolvedAt: formatMillis(r.ResolvedAt),
		})
	}
	return nil, output, nil
}
