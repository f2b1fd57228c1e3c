// Package mcp implements a read-only MCP (Model Context Protocol) server
// over an unlocked vault. Agents see entry metadata and sync state, never
// secret values.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/config"
	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// Server represents the MCP server for vaultsync.
type Server struct {
	server    *mcp.Server
	gate      *duress.Gate
	view      duress.View
	vaultPath string
	policy    *Policy
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// VaultPath is the path to the vault directory.
	// If empty, defaults to ~/.vaultsync
	VaultPath string

	// Password is the master password for the vault.
	// If empty, the server reads VAULTSYNC_PASSWORD and clears it.
	Password string
}

// NewServer unlocks the vault through the duress gate and registers the
// tools.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}

	vaultPath := opts.VaultPath
	if vaultPath == "" {
		vaultPath = config.DefaultDir()
	}

	policy, err := LoadPolicy(vaultPath)
	if err != nil {
		if !errors.Is(err, ErrPolicyNotFound) {
			log.Warn().Err(err).Msg("failed to load MCP policy, using defaults")
		}
		policy = nil
	}

	password := opts.Password
	if password == "" {
		password, _ = config.PasswordFromEnv()
		os.Unsetenv(config.EnvPassword)
	}
	if password == "" {
		return nil, fmt.Errorf("no password provided: set %s environment variable", config.EnvPassword)
	}

	v := vault.New(vaultPath)
	if !v.Exists() {
		return nil, vault.ErrVaultNotFound
	}
	gate := duress.NewGate(v, duress.WithSource(audit.SourceMCP))
	_, view, err := gate.Unlock(password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock vault: %w", err)
	}

	s := &Server{
		server:    mcp.NewServer(&mcp.Implementation{Name: "vaultsync", Version: Version}, nil),
		gate:      gate,
		view:      view,
		vaultPath: vaultPath,
		policy:    policy,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolEntryList,
		Description: "List vault entries with id, kind, title, modification time and sync status. Optional kind filter and title glob. Does NOT return secret values.",
	}, s.handleEntryList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolEntryExists,
		Description: "Check whether an entry id exists and return its metadata. Does NOT return secret values.",
	}, s.handleEntryExists)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolEntryGetMasked,
		Description: "Get a masked password (e.g. '****WXYZ') for a password entry. Requires policy approval.",
	}, s.handleEntryGetMasked)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolVaultStatus,
		Description: "Report entry counts by kind and by cloud sync status.",
	}, s.handleVaultStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolSyncStatus,
		Description: "Report the last sync time, entries waiting to sync and recent conflict resolutions.",
	}, s.handleSyncStatus)
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.view.Lock()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close closes the server and locks the vault.
func (s *Server) Close() error {
	s.view.Lock()
	return nil
}

// audit records op for the real vault. Decoy views are not audited.
func (s *Server) audit(op, entryID, result string) {
	if rv, ok := s.view.(*duress.RealView); ok {
		rv.Session().Audit().Append(op, entryID, result)
	}
}

func (s *Server) checkPolicy(tool string) error {
	if ok, reason := s.policy.IsToolAllowed(tool); !ok {
		return fmt.Errorf("tool not allowed by policy: %s", reason)
	}
	return nil
}
