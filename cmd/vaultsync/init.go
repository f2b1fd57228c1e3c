package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/config"
	"github.com/forest6511/vaultsync/pkg/syncer"
	"github.com/forest6511/vaultsync/pkg/vault"
)

var initJoin bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initJoin, "join", false, "Join the vault already published on the configured remote")
}

// initCmd creates a vault, or joins one published by another device.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new vault or join an existing one",
	Long: `Create a new vault in the vault directory.

With --join the vault header (salt and verification hash) is fetched from
the configured remote so this device derives the same keys as the others.
The master password of the existing vault is required.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if v.Exists() {
			return fmt.Errorf("%w at %s", vault.ErrVaultAlreadyExists, v.Path())
		}
		if initJoin {
			return runJoin(cmd.Context())
		}

		fmt.Println("Initializing new vault...")
		password, err := readNewPassword("Enter master password: ")
		if err != nil {
			return err
		}
		if err := v.Create(password); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}
		if err := writeDefaultConfig(); err != nil {
			return err
		}
		success("Vault initialized at %s", v.Path())
		hint("Run 'vaultsync sync' to publish it to %s", remoteLabel())
		return nil
	},
}

func runJoin(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := cfg.OpenRemote(ctx)
	if err != nil {
		return err
	}
	hdr, err := syncer.FetchHeader(ctx, store)
	if errors.Is(err, syncer.ErrNoHeader) {
		return fmt.Errorf("%w on %s (run 'vaultsync sync' on an existing device first)", err, remoteLabel())
	}
	if err != nil {
		return err
	}
	password, err := readPassword("Enter master password of the existing vault: ")
	if err != nil {
		return err
	}
	if err := v.Join(password, hdr); err != nil {
		return fmt.Errorf("failed to join vault: %w", err)
	}
	if err := writeDefaultConfig(); err != nil {
		return err
	}
	success("Joined vault at %s", v.Path())
	hint("Run 'vaultsync sync' to download its entries")
	return nil
}

// writeDefaultConfig saves the active configuration unless a file exists.
func writeDefaultConfig() error {
	path := config.Path(v.Path())
	if fsutil.Exists(path) {
		return nil
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func remoteLabel() string {
	if cfg.Remote.Backend == config.BackendS3 {
		return "s3://" + cfg.Remote.S3.Bucket + "/" + cfg.Remote.S3.KeyPrefix
	}
	return cfg.Remote.Dir
}
