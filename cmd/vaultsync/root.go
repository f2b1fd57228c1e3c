package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/pkg/config"
	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/twofactor"
	"github.com/forest6511/vaultsync/pkg/vault"
)

var (
	vaultDirFlag   string
	configPathFlag string
	verbose        bool

	cfg *config.Config
	v   *vault.Vault
)

var rootCmd = &cobra.Command{
	Use:           "vaultsync",
	Short:         "vaultsync is an encrypted password vault with chunked cloud sync",
	Long:          `Store passwords, notes and files in a local encrypted vault and keep it in sync across devices through a directory or S3 bucket.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	// PersistentPreRunE loads the configuration and logging for every command.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPathFlag
		if path == "" {
			dir := vaultDirFlag
			if dir == "" {
				dir = os.Getenv(config.EnvDir)
			}
			if dir == "" {
				dir = config.DefaultDir()
			}
			path = config.Path(dir)
		}
		c, err := config.Load(path)
		if err != nil {
			return err
		}
		if vaultDirFlag != "" {
			c.VaultDir = vaultDirFlag
		}
		setupLogging(c.LogLevel, verbose)
		cfg = c
		v = vault.New(cfg.VaultDir)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultDirFlag, "vault-dir", "", "Vault directory (default ~/.vaultsync)")
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Config file (default <vault-dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func setupLogging(level string, debug bool) {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// requireVault fails with a hint when the vault has not been created.
func requireVault() error {
	if !v.Exists() {
		return fmt.Errorf("%w at %s (run 'vaultsync init')", vault.ErrVaultNotFound, v.Path())
	}
	return nil
}

// unlock prompts for the master password and opens the vault through the
// duress gate. When two-factor is enabled a code is requested as well.
func unlock() (*duress.Gate, duress.View, error) {
	if err := requireVault(); err != nil {
		return nil, nil, err
	}
	password, err := readPassword("Enter master password: ")
	if err != nil {
		return nil, nil, err
	}
	gate := duress.NewGate(v)
	_, view, err := gate.Unlock(password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unlock vault: %w", err)
	}

	tf := twofactor.New(v.Path())
	if !tf.Enabled() {
		return gate, view, nil
	}
	code, err := readLinePrompt("Enter authentication code: ")
	if err != nil {
		view.Lock()
		return nil, nil, err
	}
	rv, ok := view.(*duress.RealView)
	if !ok {
		return gate, view, nil
	}
	if _, err := tf.Verify(rv.Session(), code); err != nil {
		view.Lock()
		return nil, nil, fmt.Errorf("failed to unlock vault: %w", err)
	}
	return gate, view, nil
}

// errDecoy is returned internally when a command has no real session to
// act on. Commands turn it into a plausible no-op.
var errDecoy = errors.New("no real session")

func realSession(view duress.View) (*vault.Session, error) {
	rv, ok := view.(*duress.RealView)
	if !ok {
		return nil, errDecoy
	}
	return rv.Session(), nil
}
