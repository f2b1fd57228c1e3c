package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/twofactor"
	"github.com/forest6511/vaultsync/pkg/vault"
)

var (
	duressMode   string
	duressDecoys string
	tfAccount    string
)

func init() {
	rootCmd.AddCommand(passwdCmd, duressCmd, twofactorCmd)

	duressCmd.AddCommand(duressSetupCmd, duressDisableCmd, duressStatusCmd, duressBackupCmd, duressRestoreCmd)
	duressSetupCmd.Flags().StringVar(&duressMode, "mode", string(duress.ModeDecoy), "Decoy set: decoy (built-in) or custom")
	duressSetupCmd.Flags().StringVar(&duressDecoys, "decoys", "", "YAML file with custom decoy entries")

	twofactorCmd.AddCommand(tfSetupCmd, tfVerifyCmd, tfStatusCmd, tfRegenerateCmd, tfMigrateCmd, tfDisableCmd)
	tfSetupCmd.Flags().StringVar(&tfAccount, "account", "", "Account name shown in the authenticator app")
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master password",
	Long: `Change the master password. Every entry is re-encrypted under the new keys.

Other devices must join the vault again after the change.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		oldPassword, err := readPassword("Current master password: ")
		if err != nil {
			return err
		}
		newPassword, err := readNewPassword("New master password: ")
		if err != nil {
			return err
		}
		session, err := realSession(view)
		if err != nil {
			success("Master password changed")
			return nil
		}
		tf := twofactor.New(v.Path())
		if err := session.ChangePassword(oldPassword, newPassword, gate.RekeyHook(), tf.RekeyHook()); err != nil {
			return fmt.Errorf("failed to change password: %w", err)
		}
		success("Master password changed")
		hint("Run 'vaultsync sync' to publish the new vault header")
		return nil
	},
}

var duressCmd = &cobra.Command{
	Use:   "duress",
	Short: "Manage the duress password",
	Long: `A duress password unlocks the vault into a decoy view. Real entries stay
untouched and nothing in the decoy session reveals the switch.`,
}

// decoySpec is one entry of a --decoys file.
type decoySpec struct {
	Kind     vault.EntryKind `yaml:"kind"`
	Title    string          `yaml:"title"`
	Username string          `yaml:"username"`
	Password string          `yaml:"password"`
	URL      string          `yaml:"url"`
	Notes    string          `yaml:"notes"`
	Body     string          `yaml:"body"`
}

func loadDecoys(path string) ([]*vault.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read decoys: %w", err)
	}
	var specs []decoySpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse decoys: %w", err)
	}
	entries := make([]*vault.Entry, 0, len(specs))
	for _, s := range specs {
		switch s.Kind {
		case vault.KindPassword, "":
			entries = append(entries, vault.NewPasswordEntry(s.Title, vault.PasswordData{
				Username: s.Username,
				Password: s.Password,
				URL:      s.URL,
				Notes:    s.Notes,
			}))
		case vault.KindNote:
			entries = append(entries, vault.NewNoteEntry(s.Title, s.Body))
		default:
			return nil, fmt.Errorf("decoy '%s': %w", s.Title, vault.ErrKindInvalid)
		}
	}
	return entries, nil
}

var duressSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the duress password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := duress.Mode(duressMode)
		var decoys []*vault.Entry
		if duressDecoys != "" {
			var err error
			if decoys, err = loadDecoys(duressDecoys); err != nil {
				return err
			}
		}

		gate, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		session, _ := realSession(view)

		password, err := readNewPassword("Duress password: ")
		if err != nil {
			return err
		}
		if err := gate.Setup(session, password, mode, decoys); err != nil {
			return fmt.Errorf("failed to configure duress password: %w", err)
		}
		success("Duress password configured (%s mode)", mode)
		hint("Run 'vaultsync duress backup' to share it with your other devices")
		return nil
	},
}

var duressDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove the duress password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		session, _ := realSession(view)

		if err := gate.Disable(session); err != nil {
			return fmt.Errorf("failed to disable duress password: %w", err)
		}
		success("Duress password removed")
		return nil
	},
}

var duressStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the duress configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		session, err := realSession(view)
		if err != nil {
			fmt.Println("Duress password: not configured")
			return nil
		}

		report, err := gate.Status(session)
		if errors.Is(err, duress.ErrNotConfigured) {
			fmt.Println("Duress password: not configured")
			return nil
		}
		if err != nil {
			return err
		}
		c := report.Config
		fmt.Printf("Duress password: configured (%s mode)\n", c.Mode)
		fmt.Printf("Created:         %s\n", ago(c.Created))
		fmt.Printf("Decoy entries:   %d\n", len(c.DecoyEntries))
		fmt.Printf("Triggered:       %d times, last %s\n", c.TriggerCount, ago(c.LastTriggered))
		for _, e := range report.Events {
			fmt.Printf("  %s %s %s (%s)\n", arrow, e.Timestamp, e.Operation, e.Source)
		}
		return nil
	},
}

var duressBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload the duress configuration to the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		store, err := cfg.OpenRemote(cmd.Context())
		if err != nil {
			return err
		}
		if err := gate.Backup(cmd.Context(), store); err != nil {
			return fmt.Errorf("failed to back up duress configuration: %w", err)
		}
		success("Duress configuration uploaded to %s", remoteLabel())
		return nil
	},
}

var duressRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Download the duress configuration from the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		store, err := cfg.OpenRemote(cmd.Context())
		if err != nil {
			return err
		}
		if err := gate.Restore(cmd.Context(), store); err != nil {
			return fmt.Errorf("failed to restore duress configuration: %w", err)
		}
		success("Duress configuration restored from %s", remoteLabel())
		return nil
	},
}

var twofactorCmd = &cobra.Command{
	Use:     "twofactor",
	Aliases: []string{"2fa"},
	Short:   "Manage two-factor authentication",
	Long:    `Require a TOTP code or a one-time backup code after the master password.`,
}

// tfSession unlocks and returns the real session. In a decoy session every
// two-factor command reports that two-factor is not enabled.
func tfSession() (*vault.Session, duress.View, error) {
	_, view, err := unlock()
	if err != nil {
		return nil, nil, err
	}
	session, err := realSession(view)
	if err != nil {
		view.Lock()
		return nil, nil, twofactor.ErrNotEnabled
	}
	return session, view, nil
}

var tfSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Enable two-factor authentication",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, view, err := tfSession()
		if err != nil {
			return err
		}
		defer view.Lock()

		account := tfAccount
		if account == "" {
			account, _ = os.Hostname()
		}
		tf := twofactor.New(v.Path())
		enr, err := tf.Enable(session, account)
		if err != nil {
			return fmt.Errorf("failed to enable two-factor: %w", err)
		}
		fmt.Printf("Secret: %s\n", enr.Secret)
		fmt.Printf("URI:    %s\n\n", enr.URI)
		fmt.Println("Backup codes (each works once, store them offline):")
		for _, c := range enr.BackupCodes {
			fmt.Printf("  %s\n", c)
		}
		fmt.Println()
		success("Two-factor authentication enabled")
		hint("Run 'vaultsync twofactor verify' to check your authenticator app")
		return nil
	},
}

var tfVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a code from the authenticator app",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, view, err := tfSession()
		if err != nil {
			return err
		}
		defer view.Lock()

		code, err := readLinePrompt("Code: ")
		if err != nil {
			return err
		}
		method, err := twofactor.New(v.Path()).Verify(session, code)
		if err != nil {
			return err
		}
		if method == twofactor.MethodBackup {
			warn("Backup code accepted and consumed")
			return nil
		}
		success("Code accepted")
		return nil
	},
}

var tfStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show two-factor status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, view, err := tfSession()
		if errors.Is(err, twofactor.ErrNotEnabled) {
			fmt.Println("Two-factor: disabled")
			return nil
		}
		if err != nil {
			return err
		}
		defer view.Lock()

		st, err := twofactor.New(v.Path()).Status(session)
		if err != nil {
			return err
		}
		if !st.Enabled {
			fmt.Println("Two-factor: disabled")
			return nil
		}
		fmt.Printf("Two-factor:   enabled %s\n", ago(st.Created))
		fmt.Printf("Backup codes: %d remaining\n", st.BackupCodes)
		if st.LegacyCodes > 0 {
			warn("%d backup codes use the legacy unsalted format", st.LegacyCodes)
			hint("Run 'vaultsync twofactor migrate' to upgrade them")
		}
		return nil
	},
}

var tfRegenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Replace every backup code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, view, err := tfSession()
		if err != nil {
			return err
		}
		defer view.Lock()

		codes, err := twofactor.New(v.Path()).RegenerateBackupCodes(session)
		if err != nil {
			return err
		}
		for _, c := range codes {
			fmt.Printf("  %s\n", c)
		}
		success("Generated %d new backup codes", len(codes))
		return nil
	},
}

var tfMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade legacy backup codes to the salted format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, view, err := tfSession()
		if err != nil {
			return err
		}
		defer view.Lock()

		n, err := twofactor.New(v.Path()).MigrateLegacy(session)
		if err != nil {
			return err
		}
		if n == 0 {
			success("No legacy backup codes")
			return nil
		}
		success("Migrated %d backup codes", n)
		return nil
	},
}

var tfDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable two-factor authentication",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, view, err := tfSession()
		if err != nil {
			return err
		}
		defer view.Lock()

		if !confirm("Disable two-factor authentication?") {
			fmt.Println("Aborted")
			return nil
		}
		if err := twofactor.New(v.Path()).Disable(session); err != nil {
			return err
		}
		success("Two-factor authentication disabled")
		return nil
	},
}
