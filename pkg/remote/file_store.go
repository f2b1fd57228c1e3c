package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/internal/fsutil"
)

// FileStore keeps objects as files in one directory, for example a folder
// synchronised by a desktop cloud client or a mounted network share.
// Object ids are the object names.
type FileStore struct{ dir string }

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, fsutil.DirMode); err != nil {
		return nil, fmt.Errorf("remote: failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, name), nil
}

func (f *FileStore) List(ctx context.Context, prefix string) ([]Object, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to list %s: %w", f.dir, err)
	}

	var objects []Object
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		objects = append(objects, Object{Name: name, ID: name, Size: info.Size()})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	log.Debug().Str("dir", f.dir).Str("prefix", prefix).Int("count", len(objects)).Msg("file store LIST")
	return objects, nil
}

// Put streams body to a hidden temp file and renames it into place, so a
// partially written object is never visible to List.
func (f *FileStore) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	path, err := f.path(name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(f.dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("remote: failed to create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return "", fmt.Errorf("remote: failed to write %s: %w", name, err)
	}
	if size >= 0 && n != size {
		return "", fmt.Errorf("remote: short write for %s: %d of %d bytes", name, n, size)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("remote: failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("remote: failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("remote: failed to publish %s: %w", name, err)
	}
	_ = fsutil.SyncDir(f.dir)

	log.Debug().Str("dir", f.dir).Str("name", name).Int64("size", n).Msg("file store PUT")
	return name, nil
}

func (f *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("remote: failed to read %s: %w", id, err)
	}
	return b, nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("remote: failed to delete %s: %w", id, err)
	}
	return nil
}
