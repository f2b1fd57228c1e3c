package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/conflict"
	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/syncer"
	"github.com/forest6511/vaultsync/pkg/syncstate"
	"github.com/forest6511/vaultsync/pkg/transfer"
	"github.com/forest6511/vaultsync/pkg/vault"
)

var (
	syncStrategy    string
	syncInteractive bool
	downloadOutput  string
	statusRecent    int
)

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd, uploadCmd, downloadCmd)

	syncCmd.Flags().StringVarP(&syncStrategy, "strategy", "s", "",
		"Conflict strategy: "+strategyNames()+" (default from config)")
	syncCmd.Flags().BoolVarP(&syncInteractive, "interactive", "i", false, "Ask for a strategy per conflict")
	statusCmd.Flags().IntVar(&statusRecent, "recent", 5, "Number of recent resolutions to show")
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "Stream the content to this path instead of the vault")
}

func strategyNames() string {
	names := make([]string, len(conflict.Strategies))
	for i, s := range conflict.Strategies {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// remoteSession bundles what a command needs to talk to the remote.
type remoteSession struct {
	session *vault.Session
	state   *syncstate.Store
	syncer  *syncer.Syncer
}

func (r *remoteSession) Close() {
	r.syncer.Close()
	if err := r.state.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close sync state")
	}
}

// openSyncer connects session to the configured remote and publishes the
// vault header when the remote has none yet.
func openSyncer(ctx context.Context, session *vault.Session) (*remoteSession, error) {
	store, err := cfg.OpenRemote(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := syncer.FetchHeader(ctx, store); errors.Is(err, syncer.ErrNoHeader) {
		if err := syncer.PublishHeader(ctx, store, v); err != nil {
			return nil, fmt.Errorf("failed to publish vault header: %w", err)
		}
		log.Info().Str("remote", remoteLabel()).Msg("published vault header")
	} else if err != nil {
		return nil, err
	}

	state, err := syncstate.Open(filepath.Join(v.Path(), syncstate.FileName))
	if err != nil {
		return nil, err
	}
	workers := transfer.AdaptiveWorkers(cfg.ChunkSize())
	if cfg.Transfer.Workers > 0 {
		workers = transfer.FixedWorkers(cfg.Transfer.Workers)
	}
	s, err := syncer.New(session, store, state, syncer.WithWorkers(workers))
	if err != nil {
		state.Close()
		return nil, err
	}
	return &remoteSession{session: session, state: state, syncer: s}, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the vault with the remote",
	Long: `Upload pending file content, then exchange changed entries with the remote.

Entries changed on both sides since the last sync are conflicts. They are
resolved with --strategy, or one by one with --interactive. Conflicts left
with the skip strategy are reported again on the next sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := cfg.Strategy()
		if syncStrategy != "" {
			s, err := conflict.ParseStrategy(syncStrategy)
			if err != nil {
				return err
			}
			strategy = s
		}

		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		session, err := realSession(view)
		if err != nil {
			success("Vault is up to date")
			return nil
		}

		ctx := cmd.Context()
		rs, err := openSyncer(ctx, session)
		if err != nil {
			return err
		}
		defer rs.Close()

		opts := syncer.Options{Strategy: strategy}
		if syncInteractive {
			opts.Decider = conflict.DeciderFunc(askStrategy)
		}
		sp := newProgressSpinner("Syncing")
		opts.OnProgress = sp.update
		report, err := rs.syncer.Run(ctx, opts)
		sp.stop()
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		printReport(report)
		return report.Err()
	},
}

// askStrategy prompts for the resolution of one conflict.
func askStrategy(c conflict.Conflict) (conflict.Strategy, conflict.MergeChoice, error) {
	fmt.Fprintf(os.Stderr, "\n%s Conflict on %s (%s)\n", warnMark, conflictTitle(c), c.Kind)
	if c.Local != nil {
		fmt.Fprintf(os.Stderr, "  local:  modified %s\n", millisAgo(c.Local.Modified))
	}
	if c.Remote != nil {
		fmt.Fprintf(os.Stderr, "  remote: modified %s\n", millisAgo(c.Remote.Modified))
	}
	for {
		answer, err := readLinePrompt(fmt.Sprintf("Strategy [%s] (default skip): ", strategyNames()))
		if err != nil {
			return "", conflict.MergeChoice{}, err
		}
		if answer == "" {
			return conflict.Skip, conflict.MergeChoice{}, nil
		}
		s, err := conflict.ParseStrategy(answer)
		if err == nil {
			// Merge keeps local fields and takes the remote password.
			return s, conflict.MergeChoice{Password: conflict.SideRemote}, nil
		}
		fmt.Fprintln(os.Stderr, err)
	}
}

func conflictTitle(c conflict.Conflict) string {
	switch {
	case c.Local != nil:
		return fmt.Sprintf("'%s'", c.Local.Title)
	case c.Remote != nil:
		return fmt.Sprintf("'%s'", c.Remote.Title)
	}
	return c.EntryID
}

func printReport(r *syncer.Report) {
	counts := []struct {
		label string
		ids   []string
	}{
		{"uploaded content", r.Uploaded},
		{"pushed", r.Pushed},
		{"pulled", r.Pulled},
		{"deleted locally", r.DeletedLocal},
		{"deleted remotely", r.DeletedRemote},
	}
	changed := false
	for _, c := range counts {
		if len(c.ids) > 0 {
			fmt.Printf("  %s %d %s\n", arrow, len(c.ids), c.label)
			changed = true
		}
	}
	for _, res := range r.Resolutions {
		fmt.Printf("  %s conflict on %s resolved with %s\n", arrow, shortID(res.EntryID), res.Strategy)
		changed = true
	}
	for _, id := range r.Deferred {
		warn("Conflict on %s deferred", shortID(id))
	}
	if len(r.Errors) > 0 {
		warn("%d entries failed", len(r.Errors))
		return
	}
	if !changed && len(r.Deferred) == 0 {
		success("Vault is up to date")
		return
	}
	success("Sync finished in %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault and sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		stats, err := view.Status()
		if err != nil {
			return err
		}
		fmt.Printf("Vault:    %s\n", v.Path())
		fmt.Printf("Remote:   %s\n", remoteLabel())
		fmt.Printf("Entries:  %d (%d synced, %d pending, %d errors)\n",
			stats.EntryCount, stats.Synced, stats.Pending, stats.Errors)
		if stats.LastSync.IsZero() {
			fmt.Println("Last sync: never")
		} else {
			fmt.Printf("Last sync: %s\n", ago(stats.LastSync))
		}

		session, err := realSession(view)
		if err != nil {
			return nil
		}
		statePath := filepath.Join(v.Path(), syncstate.FileName)
		if !fsutil.Exists(statePath) {
			return nil
		}
		state, err := syncstate.Open(statePath)
		if err != nil {
			return err
		}
		defer state.Close()
		st, err := syncer.LocalStatus(session, state, statusRecent)
		if err != nil {
			return err
		}
		fmt.Printf("Tracked:  %d\n", st.Tracked)
		for _, id := range st.Pending {
			fmt.Printf("  %s pending %s\n", arrow, shortID(id))
		}
		if len(st.Resolutions) > 0 {
			fmt.Println("Recent conflicts:")
			for _, r := range st.Resolutions {
				fmt.Printf("  %s %s %s -> %s\n", millisAgo(r.ResolvedAt), shortID(r.EntryID), r.Conflict, r.Strategy)
			}
		}
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload pending file content without a full sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()
		session, err := realSession(view)
		if err != nil {
			success("Nothing to upload")
			return nil
		}

		ctx := cmd.Context()
		rs, err := openSyncer(ctx, session)
		if err != nil {
			return err
		}
		defer rs.Close()

		sp := newProgressSpinner("Uploading")
		report := rs.syncer.UploadPending(ctx, sp.update)
		sp.stop()
		if len(report.Uploaded) == 0 && len(report.Errors) == 0 {
			success("Nothing to upload")
			return nil
		}
		if len(report.Uploaded) > 0 {
			success("Uploaded %d files", len(report.Uploaded))
		}
		return report.Err()
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <id|title>",
	Short: "Download the content of a file entry",
	Long: `Download the chunks of a file entry pulled from another device into the vault.

With --output the content is written to a file instead. Content already in
the vault is exported without contacting the remote.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		e, err := resolveEntry(view, args[0])
		if err != nil {
			return err
		}
		if e.Kind != vault.KindFile {
			return fmt.Errorf("'%s' is a %s entry, not a file", e.Title, e.Kind)
		}
		if downloadOutput != "" {
			return exportFile(cmd, view, e, downloadOutput)
		}

		session, err := realSession(view)
		if err != nil {
			success("'%s' is available offline", e.Title)
			return nil
		}
		ie, err := session.IndexEntry(e.ID)
		if err != nil {
			return err
		}
		if ie.LocalContent {
			success("'%s' is available offline", e.Title)
			return nil
		}

		ctx := cmd.Context()
		rs, err := openSyncer(ctx, session)
		if err != nil {
			return err
		}
		defer rs.Close()
		sp := newProgressSpinner("Downloading " + e.Title)
		err = rs.syncer.FetchContent(ctx, e.ID, sp.update)
		sp.stop()
		if err != nil {
			return fmt.Errorf("failed to download '%s': %w", e.Title, err)
		}
		success("Downloaded '%s' (%s)", e.Title, humanize.IBytes(uint64(e.File.Size)))
		return nil
	},
}

// exportFile writes the content of e to path, from the vault when the
// content is local and from the remote otherwise.
func exportFile(cmd *cobra.Command, view duress.View, e *vault.Entry, path string) error {
	session, err := realSession(view)
	if err != nil {
		return fmt.Errorf("failed to export '%s': %w", e.Title, vault.ErrEntryNotFound)
	}
	ie, err := session.IndexEntry(e.ID)
	if err != nil {
		return err
	}

	if ie.LocalContent {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		if err := session.ExportFile(e.ID, f); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		success("Wrote %s (%s)", path, humanize.IBytes(uint64(e.File.Size)))
		return nil
	}

	ctx := cmd.Context()
	rs, err := openSyncer(ctx, session)
	if err != nil {
		return err
	}
	defer rs.Close()
	sp := newProgressSpinner("Downloading " + e.Title)
	n, err := rs.syncer.ExportRemote(ctx, e.ID, path, sp.update)
	sp.stop()
	if err != nil {
		return fmt.Errorf("failed to download '%s': %w", e.Title, err)
	}
	success("Wrote %s (%s)", path, humanize.IBytes(uint64(n)))
	return nil
}
