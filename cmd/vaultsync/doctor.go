package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/pkg/syncer"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the vault, configuration and remote",
	Long: `Check the vault files without unlocking, validate the configuration and
contact the remote. No password is required.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		check := func(name string, err error) {
			if err != nil {
				fmt.Printf("%s %s: %v\n", failMark, name, err)
				failed++
				return
			}
			fmt.Printf("%s %s\n", okMark, name)
		}

		check("configuration", cfg.Validate())

		if err := requireVault(); err != nil {
			check("vault", err)
		} else {
			result, err := v.CheckIntegrity()
			if err == nil && !result.Valid {
				err = fmt.Errorf("%d problems", len(result.Errors))
			}
			check("vault integrity", err)
			if result != nil {
				for _, e := range result.Errors {
					fmt.Printf("    - %s\n", e)
				}
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		check("remote "+remoteLabel(), checkRemote(ctx))

		if failed > 0 {
			return fmt.Errorf("%d checks failed", failed)
		}
		return nil
	},
}

// checkRemote lists the remote and reports whether it holds a vault header.
func checkRemote(ctx context.Context) error {
	store, err := cfg.OpenRemote(ctx)
	if err != nil {
		return err
	}
	if _, err := store.List(ctx, ""); err != nil {
		return err
	}
	if _, err := syncer.FetchHeader(ctx, store); err != nil {
		warn("remote has no vault header yet")
	}
	return nil
}
