package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// SinkFunc adapts a function to ChunkSink.
type SinkFunc func(index int, plaintext []byte) error

// WriteChunk calls f.
func (f SinkFunc) WriteChunk(index int, plaintext []byte) error { return f(index, plaintext) }

// fileSink appends chunks to a file.
type fileSink struct {
	f       *os.File
	written int64
}

func (s *fileSink) WriteChunk(_ int, plaintext []byte) error {
	n, err := s.f.Write(plaintext)
	s.written += int64(n)
	return err
}

// PartialSuffix is appended to the destination while a download is in progress.
const PartialSuffix = ".partial"

// StreamDownloadToFile downloads chunks into path. Content is written to
// path+".partial" and renamed into place only after every chunk has been
// written and synced. It returns the number of bytes written.
func (t *Transfer) StreamDownloadToFile(ctx context.Context, entryID string, chunks []vault.CloudFileChunk, path string, onProgress ProgressFunc) (int64, error) {
	partial := path + PartialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fsutil.FileMode)
	if err != nil {
		return 0, fmt.Errorf("transfer: failed to create %s: %w", partial, err)
	}
	sink := &fileSink{f: f}

	fail := func(err error) (int64, error) {
		f.Close()
		os.Remove(partial)
		return 0, err
	}
	if err := t.Download(ctx, entryID, chunks, sink, onProgress); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("transfer: failed to sync %s: %w", partial, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("transfer: failed to close %s: %w", partial, err)
	}
	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("transfer: failed to move download into place: %w", err)
	}
	return sink.written, nil
}
