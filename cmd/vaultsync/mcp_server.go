package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the read-only MCP server for AI assistants.
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the read-only MCP server for AI coding assistants",
	Long: `Start an MCP server over stdio. Agents can list entries, check whether an
entry exists and read masked passwords. They never receive plaintext secrets
or file content.

Available tools:
  - entry_list:        List entries with metadata (no values)
  - entry_exists:      Check whether an entry exists
  - entry_get_masked:  Get a masked password (e.g., "****WXYZ")
  - vault_status:      Entry counts and last sync
  - sync_status:       Pending entries and recent conflicts

Authentication:
  Set VAULTSYNC_PASSWORD before starting the server. It is read once and
  cleared from the environment.

Policy:
  entry_get_masked is denied unless <vault-dir>/mcp-policy.yaml allows it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	server, err := mcp.NewServer(&mcp.ServerOptions{VaultPath: cfg.VaultDir})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		server.Close()
	}()

	if err := server.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
