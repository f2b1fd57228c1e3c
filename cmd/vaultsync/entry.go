package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/vaultsync/internal/cli"
	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// Flags for add and update
var (
	entryUsername string
	entryURL      string
	entryNotes    string
	entryTitle    string
	entryPassword bool
)

// Flags for get, list and delete
var (
	getShow    bool
	listKind   string
	deleteYes  bool
	fileOutput string
)

func init() {
	rootCmd.AddCommand(addCmd, getCmd, listCmd, updateCmd, deleteCmd)
	addCmd.AddCommand(addPasswordCmd, addNoteCmd, addFileCmd)

	for _, c := range []*cobra.Command{addPasswordCmd, updateCmd} {
		c.Flags().StringVar(&entryUsername, "username", "", "Username")
		c.Flags().StringVar(&entryURL, "url", "", "URL (http or https)")
		c.Flags().StringVar(&entryNotes, "notes", "", "Notes")
	}
	addFileCmd.Flags().StringVar(&entryTitle, "title", "", "Title (default: file name)")
	updateCmd.Flags().StringVar(&entryTitle, "title", "", "New title")
	updateCmd.Flags().BoolVar(&entryPassword, "password", false, "Prompt for a new password")

	getCmd.Flags().BoolVar(&getShow, "show", false, "Print the password instead of masking it")
	getCmd.Flags().StringVarP(&fileOutput, "output", "o", "", "Write file content to this path")
	listCmd.Flags().StringVar(&listKind, "kind", "", "Only list entries of kind (password, note, file)")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a password, note or file",
}

var addPasswordCmd = &cobra.Command{
	Use:   "password <title>",
	Short: "Add a password entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		secret, err := readPassword("Password for " + args[0] + ": ")
		if err != nil {
			return err
		}
		e, err := view.Add(vault.NewPasswordEntry(args[0], vault.PasswordData{
			Username: entryUsername,
			Password: secret,
			URL:      entryURL,
			Notes:    entryNotes,
		}))
		if err != nil {
			return fmt.Errorf("failed to add entry: %w", err)
		}
		success("Added '%s' (%s)", e.Title, e.ID)
		return nil
	},
}

var addNoteCmd = &cobra.Command{
	Use:   "note <title>",
	Short: "Add a secure note read from standard input",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		fmt.Fprintln(os.Stderr, "Enter note (Ctrl+D to finish):")
		body, err := readAll()
		if err != nil {
			return err
		}
		e, err := view.Add(vault.NewNoteEntry(args[0], body))
		if err != nil {
			return fmt.Errorf("failed to add note: %w", err)
		}
		success("Added '%s' (%s)", e.Title, e.ID)
		return nil
	},
}

var addFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Import a file into the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		e, err := addFile(view, args[0])
		if err != nil {
			return fmt.Errorf("failed to import file: %w", err)
		}
		success("Imported '%s' (%s, %d chunks)", e.Title, humanize.IBytes(uint64(e.File.Size)), e.File.ChunkCount)
		return nil
	},
}

func addFile(view duress.View, path string) (*vault.Entry, error) {
	var (
		e   *vault.Entry
		err error
	)
	if session, serr := realSession(view); serr == nil {
		e, err = session.AddFile(path, cfg.ChunkSize())
	} else {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("vault: failed to stat file: %w", statErr)
		}
		e, err = view.Add(&vault.Entry{
			Kind:  vault.KindFile,
			Title: filepath.Base(path),
			File: &vault.FileData{
				Name:       filepath.Base(path),
				Size:       info.Size(),
				ChunkSize:  cfg.ChunkSize(),
				ChunkCount: vault.ChunkCount(info.Size(), cfg.ChunkSize()),
			},
		})
	}
	if err != nil || entryTitle == "" || entryTitle == e.Title {
		return e, err
	}
	e.Title = entryTitle
	return view.Update(e)
}

var getCmd = &cobra.Command{
	Use:   "get <id|title>",
	Short: "Show an entry",
	Args:  cobra.ExactArgs(1),
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
		printEntry(e)
		if e.Kind == vault.KindFile && fileOutput != "" {
			return exportFile(cmd, view, e, fileOutput)
		}
		return nil
	},
}

func resolveEntry(view duress.View, selector string) (*vault.Entry, error) {
	entries, err := view.List()
	if err != nil {
		return nil, err
	}
	match, err := cli.ResolveOne(selector, entries)
	if err != nil {
		return nil, err
	}
	return view.Get(match.ID)
}

func printEntry(e *vault.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", e.ID)
	fmt.Fprintf(w, "Title:\t%s\n", e.Title)
	fmt.Fprintf(w, "Kind:\t%s\n", e.Kind)
	switch {
	case e.Password != nil:
		if e.Password.Username != "" {
			fmt.Fprintf(w, "Username:\t%s\n", e.Password.Username)
		}
		secret := mask(e.Password.Password)
		if getShow {
			secret = e.Password.Password
		}
		fmt.Fprintf(w, "Password:\t%s\n", secret)
		if e.Password.URL != "" {
			fmt.Fprintf(w, "URL:\t%s\n", e.Password.URL)
		}
		if e.Password.Notes != "" {
			fmt.Fprintf(w, "Notes:\t%s\n", e.Password.Notes)
		}
	case e.Note != nil:
		fmt.Fprintf(w, "Note:\t%s\n", e.Note.Body)
	case e.File != nil:
		fmt.Fprintf(w, "File:\t%s\n", e.File.Name)
		fmt.Fprintf(w, "Size:\t%s (%d chunks)\n", humanize.IBytes(uint64(e.File.Size)), e.File.ChunkCount)
	}
	fmt.Fprintf(w, "Modified:\t%s\n", millisAgo(e.Modified))
	w.Flush()
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List entries",
	Long: `List entries, optionally filtered by kind and a title glob such as 'aws*'.
Secret values are never shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := vault.EntryKind(listKind)
		if kind != "" && !kind.Valid() {
			return fmt.Errorf("unknown kind: %s", listKind)
		}
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		entries, err := view.List()
		if err != nil {
			return err
		}
		entries = cli.FilterKind(entries, kind)
		if len(args) == 1 {
			entries, err = cli.MatchEntries(args[0], entries)
			if errors.Is(err, cli.ErrNoMatch) {
				entries = nil
			} else if err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			fmt.Println("No entries found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TITLE\tKIND\tMODIFIED\tSYNC\tID")
		for _, e := range cli.SortByTitle(entries) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Title, e.Kind, millisAgo(e.Modified), e.Status, e.ID)
		}
		return w.Flush()
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <id|title>",
	Short: "Change fields of an entry",
	Args:  cobra.ExactArgs(1),
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
		if entryTitle != "" {
			e.Title = entryTitle
		}
		switch e.Kind {
		case vault.KindPassword:
			if cmd.Flags().Changed("username") {
				e.Password.Username = entryUsername
			}
			if cmd.Flags().Changed("url") {
				e.Password.URL = entryURL
			}
			if cmd.Flags().Changed("notes") {
				e.Password.Notes = entryNotes
			}
			if entryPassword {
				if e.Password.Password, err = readPassword("New password: "); err != nil {
					return err
				}
			}
		case vault.KindNote:
			if !cmd.Flags().Changed("title") {
				fmt.Fprintln(os.Stderr, "Enter new note (Ctrl+D to finish):")
				if e.Note.Body, err = readAll(); err != nil {
					return err
				}
			}
		}
		updated, err := view.Update(e)
		if err != nil {
			return fmt.Errorf("failed to update entry: %w", err)
		}
		success("Updated '%s'", updated.Title)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id|title>",
	Short: "Delete an entry",
	Long:  `Delete an entry. The deletion reaches the remote and other devices on the next sync.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, view, err := unlock()
		if err != nil {
			return err
		}
		defer view.Lock()

		entries, err := view.List()
		if err != nil {
			return err
		}
		match, err := cli.ResolveOne(args[0], entries)
		if err != nil {
			return err
		}
		if !deleteYes && !confirm(fmt.Sprintf("Delete '%s'?", match.Title)) {
			fmt.Println("Aborted")
			return nil
		}
		if err := view.Delete(match.ID); err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}
		success("Deleted '%s'", match.Title)
		return nil
	},
}
