package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/pkg/importer"
)

var (
	importFrom   string
	importDryRun bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&importFrom, "from", "", "Export format: 1password, bitwarden, lastpass")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and report without adding entries")
	_ = importCmd.MarkFlagRequired("from")
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import entries from another password manager",
	Long: `Import logins and notes from a 1Password CSV, Bitwarden JSON (unencrypted)
or LastPass CSV export. Logins become password entries; secure notes, cards
and identities become notes. Delete the export file afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parser, err := importer.GetParser(importer.Source(importFrom))
		if err != nil {
			return fmt.Errorf("%w (valid: %v)", err, importer.ValidSources())
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		result, err := parser.Parse(data)
		if err != nil {
			return err
		}
		for _, w := range result.Warnings {
			warn("%s", w)
		}
		for _, s := range result.Skipped {
			warn("skipped '%s': %s", s.OriginalName, s.Reason)
		}
		if importDryRun {
			for _, e := range result.Entries {
				fmt.Printf("  %s %s (%s)\n", arrow, e.Title, e.Kind)
			}
			success("%d entries would be imported", len(result.Entries))
			return nil
		}
		if len(result.Entries) == 0 {
			fmt.Println("Nothing to import")
			return nil
		}

		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		added := 0
		for _, e := range result.Entries {
			if _, err := view.Add(e); err != nil {
				warn("failed to add '%s': %v", e.Title, err)
				continue
			}
			added++
		}
		success("Imported %d of %d entries from %s", added, len(result.Entries), parser.Source())
		if added > 0 {
			hint("Run 'vaultsync sync' to upload them")
		}
		return nil
	},
}
