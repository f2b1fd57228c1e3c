package vault

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
)

// DefaultChunkSize is the plaintext size of a file chunk (20 MiB).
const DefaultChunkSize = 20 * 1024 * 1024

// ErrChecksumMismatch is returned when reassembled content does not match
// the checksum recorded at import.
var ErrChecksumMismatch = errors.New("vault: file checksum mismatch")

// ChunkCount returns the number of chunks for size bytes. Empty content
// still occupies one (empty) chunk.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// AddFile imports the file at path as a file entry. The content is split
// into chunkSize pieces, each sealed with its chunk binding and stored locally.
func (s *Session) AddFile(path string, chunkSize int) (*Entry, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("vault: %s is a directory", path)
	}
	if err := s.vault.checkDiskSpaceForWrite(info.Size()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}

	id := uuid.NewString()
	count := ChunkCount(info.Size(), chunkSize)
	hash := sha256.New()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	buf := make([]byte, chunkSize)
	defer secmem.WipeBytes(buf)
	var total int64
	for i := 0; i < count; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("vault: failed to read file: %w", err)
		}
		hash.Write(buf[:n])
		total += int64(n)
		if err := s.storeChunkTx(tx, id, i, count, buf[:n]); err != nil {
			return nil, err
		}
	}
	if total != info.Size() {
		return nil, fmt.Errorf("vault: file changed while importing (%d of %d bytes)", total, info.Size())
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("vault: failed to commit chunks: %w", err)
	}

	entry := &Entry{
		ID:    id,
		Kind:  KindFile,
		Title: filepath.Base(path),
		File: &FileData{
			Name:       filepath.Base(path),
			Size:       total,
			Checksum:   hex.EncodeToString(hash.Sum(nil)),
			ChunkSize:  chunkSize,
			ChunkCount: count,
		},
	}
	entry.Modified = s.nextModified()
	entry.Created = entry.Modified
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := s.commitNew(entry, StatusPending, true); err != nil {
		s.audit.Append(audit.OpEntryAdd, id, audit.ResultError)
		return nil, err
	}
	s.audit.Append(audit.OpEntryAdd, id, audit.ResultSuccess)
	log.Debug().Str("entry_id", id).Int("chunks", count).Int64("size", total).Msg("file imported")
	return entry.Clone(), nil
}

func (s *Session) storeChunkTx(tx *sql.Tx, id string, index, count int, plaintext []byte) error {
	sealed, err := crypto.Seal(s.keys.Entry.Bytes(), plaintext, crypto.ChunkAAD(id, index, count))
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO file_chunks (entry_id, chunk_index, sealed, size) VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_id, chunk_index) DO UPDATE SET sealed = excluded.sealed, size = excluded.size
	`, id, index, sealed, len(plaintext))
	if err != nil {
		return fmt.Errorf("vault: failed to store chunk %d: %w", index, err)
	}
	return nil
}

// readChunkLocked opens one local chunk. Callers hold s.mu.
func (s *Session) readChunkLocked(q dbtx, id string, index, count int) ([]byte, error) {
	var sealed []byte
	err := q.QueryRow("SELECT sealed FROM file_chunks WHERE entry_id = ? AND chunk_index = ?", id, index).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s chunk %d", ErrContentNotLocal, id, index)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read chunk: %w", err)
	}
	plaintext, err := crypto.Open(s.keys.Entry.Bytes(), sealed, crypto.ChunkAAD(id, index, count))
	if err != nil {
		return nil, fmt.Errorf("vault: %s chunk %d: %w", id, index, err)
	}
	return plaintext, nil
}

func (s *Session) fileIndexEntry(id string) (*IndexEntry, error) {
	ie, ok := s.index.Entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if ie.Kind != KindFile {
		return nil, fmt.Errorf("vault: entry %s is not a file", id)
	}
	return ie, nil
}

// LocalChunks reads the locally stored chunks of a file entry.
type LocalChunks struct {
	s     *Session
	id    string
	count int
}

// FileChunkSource returns a reader over the local chunks of a file entry.
func (s *Session) FileChunkSource(id string) (*LocalChunks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	ie, err := s.fileIndexEntry(id)
	if err != nil {
		return nil, err
	}
	if !ie.LocalContent {
		return nil, fmt.Errorf("%w: %s", ErrContentNotLocal, id)
	}
	return &LocalChunks{s: s, id: id, count: ie.ChunkCount}, nil
}

// ChunkCount returns the number of chunks.
func (c *LocalChunks) ChunkCount() int { return c.count }

// ReadChunk returns the plaintext of chunk index.
func (c *LocalChunks) ReadChunk(index int) ([]byte, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if c.s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	return c.s.readChunkLocked(c.s.db, c.id, index, c.count)
}

// StoreFileChunk seals and stores one chunk of a file entry, typically
// while downloading its content from the remote.
func (s *Session) StoreFileChunk(id string, index int, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}
	ie, err := s.fileIndexEntry(id)
	if err != nil {
		return err
	}
	if index < 0 || index >= ie.ChunkCount {
		return fmt.Errorf("vault: chunk index %d out of range for %s", index, id)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := s.storeChunkTx(tx, id, index, ie.ChunkCount, plaintext); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkContentLocal verifies the stored chunks against the entry checksum and
// flags the content as available locally.
func (s *Session) MarkContentLocal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}
	ie, err := s.fileIndexEntry(id)
	if err != nil {
		return err
	}
	e, err := s.readRow(s.db, id)
	if err != nil {
		return err
	}

	hash := sha256.New()
	for i := 0; i < ie.ChunkCount; i++ {
		chunk, err := s.readChunkLocked(s.db, id, i, ie.ChunkCount)
		if err != nil {
			return err
		}
		hash.Write(chunk)
		secmem.WipeBytes(chunk)
	}
	if hex.EncodeToString(hash.Sum(nil)) != e.File.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}

	if ie.LocalContent {
		return nil
	}
	ie.LocalContent = true
	if err := s.persist(); err != nil {
		ie.LocalContent = false
		return err
	}
	return nil
}

// ExportFile writes the local content of a file entry to w in chunk order
// and verifies the checksum.
func (s *Session) ExportFile(id string, w io.Writer) error {
	src, err := s.FileChunkSource(id)
	if err != nil {
		return err
	}
	e, err := s.GetEntry(id)
	if err != nil {
		return err
	}

	hash := sha256.New()
	for i := 0; i < src.ChunkCount(); i++ {
		chunk, err := src.ReadChunk(i)
		if err != nil {
			return err
		}
		hash.Write(chunk)
		_, err = w.Write(chunk)
		secmem.WipeBytes(chunk)
		if err != nil {
			return fmt.Errorf("vault: failed to write output: %w", err)
		}
	}
	if hex.EncodeToString(hash.Sum(nil)) != e.File.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	return nil
}
