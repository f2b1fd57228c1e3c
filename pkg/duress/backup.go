package duress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/remote"
)

// Remote object names of the duress files.
const (
	VerifierObject = "duress_verifier"
	ConfigObject   = "duress_config"
)

var backupFiles = []struct{ file, object string }{
	{ConfigFileName, ConfigObject},
	{VerifierFileName, VerifierObject},
}

// Backup uploads the verifier and the sealed config so another device
// sharing the vault can restore them. Neither file holds plaintext.
func (g *Gate) Backup(ctx context.Context, store remote.Store) error {
	if g.InDuress() {
		return ErrDuressConfigConflict
	}
	if !g.Configured() {
		return ErrNotConfigured
	}
	for _, b := range backupFiles {
		data, err := os.ReadFile(filepath.Join(g.dir, b.file))
		if err != nil {
			return fmt.Errorf("duress: failed to read %s: %w", b.file, err)
		}
		if _, err := store.Put(ctx, b.object, bytes.NewReader(data), int64(len(data))); err != nil {
			return fmt.Errorf("duress: failed to upload %s: %w", b.file, err)
		}
	}
	return nil
}

// Restore downloads the duress files into the vault directory, replacing
// local copies.
func (g *Gate) Restore(ctx context.Context, store remote.Store) error {
	if g.InDuress() {
		return ErrDuressConfigConflict
	}
	objs, err := store.List(ctx, "duress_")
	if err != nil {
		return fmt.Errorf("duress: failed to list backup: %w", err)
	}
	byName := remote.ByName(objs)
	for _, b := range backupFiles {
		if _, ok := byName[b.object]; !ok {
			return ErrNotConfigured
		}
	}
	for _, b := range backupFiles {
		data, err := store.Get(ctx, byName[b.object].ID)
		if err != nil {
			return fmt.Errorf("duress: failed to download %s: %w", b.file, err)
		}
		if err := fsutil.AtomicWriteFile(filepath.Join(g.dir, b.file), data, fsutil.FileMode); err != nil {
			return err
		}
	}
	return nil
}
