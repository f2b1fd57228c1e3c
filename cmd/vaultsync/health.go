package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/pkg/security"
)

var (
	securityVerbose bool
	securityJSON    bool
	securityMaxAge  int
	securityLimit   int
)

func init() {
	rootCmd.AddCommand(securityCmd)
	securityCmd.Flags().BoolVarP(&securityVerbose, "all", "a", false, "Show every issue and its suggestion")
	securityCmd.Flags().BoolVar(&securityJSON, "json", false, "Output in JSON format")
	securityCmd.Flags().IntVar(&securityMaxAge, "max-age", security.DefaultMaxAgeDays, "Days after which a password counts as stale")
	securityCmd.Flags().IntVar(&securityLimit, "limit", 5, "Issues to show per type (0 = all)")
}

// securityCmd reports password health.
var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Analyze password health",
	Long: `Analyze the password entries of the vault and get recommendations.

The score is made of four components worth 25 points each:
  - Strength:   average length-based strength of passwords
  - Uniqueness: share of passwords not reused elsewhere
  - Freshness:  share of passwords changed within --max-age days
  - Sync:       share of entries durable on the remote`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		limit := securityLimit
		if securityVerbose || securityJSON {
			limit = 0
		}
		score, err := security.NewCalculator(view).WithMaxAgeDays(securityMaxAge).CalculateScore(limit)
		if err != nil {
			return fmt.Errorf("failed to calculate security score: %w", err)
		}
		if securityJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(score)
		}
		printScore(score, securityVerbose)
		return nil
	},
}

func printScore(score *security.SecurityScore, verbose bool) {
	paint := color.GreenString
	switch {
	case score.Overall < 50:
		paint = color.RedString
	case score.Overall < 80:
		paint = color.YellowString
	}
	fmt.Printf("Security score: %s\n\n", paint("%d/100", score.Overall))

	c := score.Components
	fmt.Printf("  Strength:   %2d/25\n", c.StrengthScore)
	fmt.Printf("  Uniqueness: %2d/25\n", c.UniquenessScore)
	fmt.Printf("  Freshness:  %2d/25\n", c.FreshnessScore)
	fmt.Printf("  Sync:       %2d/25\n", c.SyncScore)

	if len(score.Issues) > 0 {
		fmt.Println("\nIssues:")
	}
	for _, issue := range score.Issues {
		mark := warnMark
		if issue.Severity == security.SeverityCritical {
			mark = failMark
		}
		fmt.Printf("  %s %s: %s\n", mark, strings.Join(issue.Titles, ", "), issue.Description)
		if verbose && issue.Suggestion != "" {
			fmt.Printf("      %s\n", issue.Suggestion)
		}
	}
	if score.Limited {
		hint("More issues hidden; use --all to show them")
	}
	if len(score.Suggestions) > 0 {
		fmt.Println("\nSuggestions:")
		for _, s := range score.Suggestions {
			fmt.Printf("  %s %s\n", arrow, s)
		}
	}
}
