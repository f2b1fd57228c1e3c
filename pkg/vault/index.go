package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
)

// IndexFormatVersion is the on-disk format of vault.index.
const IndexFormatVersion = 1

var indexAAD = []byte("vault-index")

// CloudSyncStatus is the remote durability state of an entry.
type CloudSyncStatus string

const (
	StatusPending   CloudSyncStatus = "pending"
	StatusUploading CloudSyncStatus = "uploading"
	StatusSynced    CloudSyncStatus = "synced"
	StatusError     CloudSyncStatus = "error"
)

// CloudFileChunk points at one remote object. Chunks are 0-indexed and
// contiguous; their plaintexts concatenated in order rebuild the payload.
type CloudFileChunk struct {
	ChunkIndex     int    `json:"chunk_index"`
	RemoteObjectID string `json:"remote_object_id"`
	Size           int64  `json:"size"`
}

// IndexEntry is the index record for an entry. It carries no plaintext
// beyond the kind and timestamps.
type IndexEntry struct {
	EncryptedTitle string    `json:"encrypted_title"`
	Kind           EntryKind `json:"kind"`
	Modified       int64     `json:"modified"`

	// Record is the remote object holding the sealed entry.
	Record *CloudFileChunk `json:"record,omitempty"`
	// Fragments are the remote content chunks of a file entry.
	Fragments []CloudFileChunk `json:"fragments,omitempty"`
	// ChunkCount is the number of content chunks of a file entry.
	ChunkCount int `json:"chunk_count,omitempty"`
	// LocalContent is false for file entries pulled from the remote whose
	// chunks have not been fetched.
	LocalContent bool `json:"local_content"`

	Status CloudSyncStatus `json:"cloud_sync_status"`
}

// Durable reports whether every ciphertext of the entry exists remotely.
// An entry without pointers is authoritative only locally.
func (ie *IndexEntry) Durable() bool {
	if ie.Record == nil {
		return false
	}
	if ie.Kind == KindFile {
		return ie.ChunkCount > 0 && len(ie.Fragments) == ie.ChunkCount
	}
	return true
}

func (ie *IndexEntry) clone() *IndexEntry {
	c := *ie
	if ie.Record != nil {
		r := *ie.Record
		c.Record = &r
	}
	c.Fragments = append([]CloudFileChunk(nil), ie.Fragments...)
	return &c
}

// IndexMetadata holds vault-wide timestamps and counters.
type IndexMetadata struct {
	Created    time.Time `json:"created"`
	LastSync   time.Time `json:"last_sync,omitempty"`
	EntryCount int       `json:"entry_count"`
}

// VaultIndex is the root aggregate of a vault.
type VaultIndex struct {
	Version          int
	Salt             []byte
	VerificationHash []byte
	Entries          map[string]*IndexEntry
	Metadata         IndexMetadata
}

// KDFParams records the Argon2id cost used when the vault was created.
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Memory    uint32 `json:"memory_kib"`
	Time      uint32 `json:"time"`
	Threads   uint8  `json:"threads"`
}

// IndexHeader is the plaintext part of vault.index, readable before unlock.
type IndexHeader struct {
	Format           int       `json:"format"`
	Salt             []byte    `json:"salt"`
	VerificationHash []byte    `json:"verification_hash"`
	KDF              KDFParams `json:"kdf"`
}

type indexFile struct {
	IndexHeader
	Body string `json:"body"`
}

type indexBody struct {
	Entries  map[string]*IndexEntry `json:"entries"`
	Metadata IndexMetadata          `json:"metadata"`
	AuditKey []byte                 `json:"audit_key"`
}

func defaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm: "argon2id",
		Memory:    crypto.Argon2Memory,
		Time:      crypto.Argon2Time,
		Threads:   crypto.Argon2Threads,
	}
}

// ReadIndexHeader reads the plaintext header of an index file.
func ReadIndexHeader(path string) (*IndexHeader, error) {
	f, err := readIndexFile(path)
	if err != nil {
		return nil, err
	}
	return &f.IndexHeader, nil
}

func readIndexFile(path string) (*indexFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("vault: failed to read index: %w", err)
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: index header: %v", ErrVaultCorrupted, err)
	}
	if f.Format != IndexFormatVersion {
		return nil, fmt.Errorf("%w: unsupported index format %d", ErrVaultCorrupted, f.Format)
	}
	if len(f.Salt) != crypto.SaltLength || len(f.VerificationHash) != crypto.KeyLength {
		return nil, fmt.Errorf("%w: invalid salt or verification hash", ErrVaultCorrupted)
	}
	return &f, nil
}

// openIndex decrypts the body of f with indexKey.
func openIndex(f *indexFile, indexKey []byte) (*VaultIndex, *secmem.Buffer, error) {
	sealed, err := base64.StdEncoding.DecodeString(f.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: index body encoding", ErrVaultCorrupted)
	}
	plaintext, err := crypto.Open(indexKey, sealed, indexAAD)
	if err != nil {
		return nil, nil, err
	}
	defer secmem.WipeBytes(plaintext)

	var body indexBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return nil, nil, fmt.Errorf("%w: index body: %v", ErrVaultCorrupted, err)
	}
	if body.Entries == nil {
		body.Entries = make(map[string]*IndexEntry)
	}

	idx := &VaultIndex{
		Version:          f.Format,
		Salt:             f.Salt,
		VerificationHash: f.VerificationHash,
		Entries:          body.Entries,
		Metadata:         body.Metadata,
	}
	return idx, secmem.FromBytes(body.AuditKey), nil
}

// writeIndex seals idx under indexKey and atomically replaces the index file.
func writeIndex(path string, idx *VaultIndex, indexKey, auditKey []byte) error {
	idx.Metadata.EntryCount = len(idx.Entries)
	body := indexBody{
		Entries:  idx.Entries,
		Metadata: idx.Metadata,
		AuditKey: auditKey,
	}
	plaintext, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal index: %w", err)
	}
	sealed, err := crypto.Seal(indexKey, plaintext, indexAAD)
	secmem.WipeBytes(plaintext)
	if err != nil {
		return fmt.Errorf("vault: failed to seal index: %w", err)
	}

	f := indexFile{
		IndexHeader: IndexHeader{
			Format:           IndexFormatVersion,
			Salt:             idx.Salt,
			VerificationHash: idx.VerificationHash,
			KDF:              defaultKDFParams(),
		},
		Body: base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal index file: %w", err)
	}
	if err := fsutil.AtomicWriteFile(path, data, fsutil.FileMode); err != nil {
		return fmt.Errorf("vault: failed to write index: %w", err)
	}
	return nil
}
