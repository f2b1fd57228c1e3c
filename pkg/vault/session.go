package vault

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
)

// Session is an unlocked vault. It owns the key hierarchy and the in-memory
// index until Lock. Every method fails with ErrVaultLocked after Lock.
type Session struct {
	vault *Vault

	mu       sync.RWMutex
	keys     *crypto.KeyHierarchy
	auditKey *secmem.Buffer
	index    *VaultIndex
	db       *sql.DB
	audit    *audit.Logger

	// lastModified keeps modification stamps strictly increasing.
	lastModified int64
}

// EntrySummary is the list view of an entry. It is built from the index alone.
type EntrySummary struct {
	ID       string          `json:"id"`
	Kind     EntryKind       `json:"kind"`
	Title    string          `json:"title"`
	Modified int64           `json:"modified"`
	Status   CloudSyncStatus `json:"cloud_sync_status"`
	Durable  bool            `json:"durable"`
}

// Stats summarises the vault.
type Stats struct {
	EntryCount int               `json:"entry_count"`
	Created    time.Time         `json:"created"`
	LastSync   time.Time         `json:"last_sync,omitempty"`
	Pending    int               `json:"pending"`
	Synced     int               `json:"synced"`
	Errors     int               `json:"errors"`
	ByKind     map[EntryKind]int `json:"by_kind"`
}

// RekeyHook runs after a password change with the old and new key
// hierarchies. Hooks must not retain either.
type RekeyHook func(oldKeys, newKeys *crypto.KeyHierarchy) error

func (s *Session) lockedLocked() bool {
	return s.keys == nil
}

// IsLocked reports whether Lock has been called.
func (s *Session) IsLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockedLocked()
}

// Vault returns the vault this session was opened from.
func (s *Session) Vault() *Vault {
	return s.vault
}

// Lock wipes all keys, drops the index from memory and closes the database.
// The keys are wiped before Lock returns.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockedLocked() {
		return
	}
	_ = s.audit.LogSuccess(audit.OpVaultLock, audit.SourceCLI, "")
	s.audit.Close()

	s.keys.Wipe()
	s.keys = nil
	s.auditKey.Wipe()
	s.auditKey = nil
	s.index = nil

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// Audit returns the session's audit logger as a best-effort sink.
func (s *Session) Audit() audit.Sink {
	return s.audit
}

// AuditLogger returns the session's audit logger.
func (s *Session) AuditLogger() (*audit.Logger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	return s.audit, nil
}

// EntryKey returns an explicit copy of the entry key. The caller must Wipe it.
func (s *Session) EntryKey() (*secmem.Buffer, error) {
	return s.cloneKey(func(k *crypto.KeyHierarchy) *secmem.Buffer { return k.Entry })
}

// IndexKey returns an explicit copy of the index key. The caller must Wipe it.
func (s *Session) IndexKey() (*secmem.Buffer, error) {
	return s.cloneKey(func(k *crypto.KeyHierarchy) *secmem.Buffer { return k.Index })
}

// MetadataKey returns an explicit copy of the metadata key. The caller must Wipe it.
func (s *Session) MetadataKey() (*secmem.Buffer, error) {
	return s.cloneKey(func(k *crypto.KeyHierarchy) *secmem.Buffer { return k.Metadata })
}

func (s *Session) cloneKey(pick func(*crypto.KeyHierarchy) *secmem.Buffer) (*secmem.Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	return pick(s.keys).Clone(), nil
}

// nextModified returns a millisecond stamp greater than any stamp issued before.
func (s *Session) nextModified() int64 {
	ms := s.vault.now().UnixMilli()
	if ms <= s.lastModified {
		ms = s.lastModified + 1
	}
	s.lastModified = ms
	return ms
}

func (s *Session) observeModified(ms int64) {
	if ms > s.lastModified {
		s.lastModified = ms
	}
}

// persist flushes the index. Callers hold s.mu.
func (s *Session) persist() error {
	return writeIndex(s.vault.indexPath(), s.index, s.keys.Index.Bytes(), s.auditKey.Bytes())
}

func (s *Session) sealTitle(id, title string) (string, error) {
	return crypto.SealString(s.keys.Index.Bytes(), []byte(title), []byte(id))
}

func (s *Session) openTitle(id string, ie *IndexEntry) (string, error) {
	title, err := crypto.OpenString(s.keys.Index.Bytes(), ie.EncryptedTitle, []byte(id))
	if err != nil {
		return "", fmt.Errorf("vault: title of %s: %w", id, err)
	}
	return string(title), nil
}

func (s *Session) sealEntry(e *Entry) ([]byte, error) {
	plaintext, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to marshal entry: %w", err)
	}
	defer secmem.WipeBytes(plaintext)
	return crypto.Seal(s.keys.Entry.Bytes(), plaintext, []byte(e.ID))
}

func (s *Session) openEntry(id string, sealed []byte) (*Entry, error) {
	plaintext, err := crypto.Open(s.keys.Entry.Bytes(), sealed, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("vault: entry %s: %w", id, err)
	}
	defer secmem.WipeBytes(plaintext)

	var e Entry
	if err := json.Unmarshal(plaintext, &e); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", ErrVaultCorrupted, id, err)
	}
	if e.ID != id {
		return nil, fmt.Errorf("%w: entry %s carries id %s", ErrVaultCorrupted, id, e.ID)
	}
	return &e, nil
}

// dbtx is the subset of *sql.DB and *sql.Tx the row helpers need. The pool
// holds a single connection, so code inside a transaction must go through tx.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// writeRow stores the sealed entry. Callers hold s.mu.
func (s *Session) writeRow(q dbtx, e *Entry) error {
	sealed, err := s.sealEntry(e)
	if err != nil {
		return err
	}
	_, err = q.Exec(`
		INSERT INTO entries (id, sealed, modified) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sealed = excluded.sealed, modified = excluded.modified
	`, e.ID, sealed, e.Modified)
	if err != nil {
		return fmt.Errorf("vault: failed to store entry: %w", err)
	}
	return nil
}

func (s *Session) readRow(q dbtx, id string) (*Entry, error) {
	var sealed []byte
	err := q.QueryRow("SELECT sealed FROM entries WHERE id = ?", id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entry %s is indexed but has no data", ErrVaultCorrupted, id)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read entry: %w", err)
	}
	return s.openEntry(id, sealed)
}

// AddEntry validates e, assigns an id when empty, stamps created and modified
// and commits the entry by persisting the index.
func (s *Session) AddEntry(e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}

	entry := e.Clone()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if _, exists := s.index.Entries[entry.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
	}
	entry.Modified = s.nextModified()
	entry.Created = entry.Modified
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if err := s.commitNew(entry, StatusPending, true); err != nil {
		s.audit.Append(audit.OpEntryAdd, entry.ID, audit.ResultError)
		return nil, err
	}
	s.audit.Append(audit.OpEntryAdd, entry.ID, audit.ResultSuccess)
	log.Debug().Str("entry_id", entry.ID).Str("kind", string(entry.Kind)).Msg("entry added")
	return entry.Clone(), nil
}

// commitRow writes the row inside a transaction that commits only once
// mutate has been applied and the index flushed. undo restores the in-memory
// index when either step fails. Callers hold s.mu.
func (s *Session) commitRow(entry *Entry, mutate func(), undo func()) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeRow(tx, entry); err != nil {
		return err
	}
	mutate()
	if err := s.persist(); err != nil {
		undo()
		return err
	}
	if err := tx.Commit(); err != nil {
		undo()
		if werr := s.persist(); werr != nil {
			log.Error().Err(werr).Str("entry_id", entry.ID).Msg("failed to restore index after row rollback")
		}
		return fmt.Errorf("vault: failed to commit entry: %w", err)
	}
	return nil
}

// commitNew writes the row and the index entry. Callers hold s.mu.
func (s *Session) commitNew(entry *Entry, status CloudSyncStatus, localContent bool) error {
	title, err := s.sealTitle(entry.ID, entry.Title)
	if err != nil {
		return err
	}

	ie := &IndexEntry{
		EncryptedTitle: title,
		Kind:           entry.Kind,
		Modified:       entry.Modified,
		LocalContent:   localContent,
		Status:         status,
	}
	if entry.File != nil {
		ie.ChunkCount = entry.File.ChunkCount
	}
	prev, had := s.index.Entries[entry.ID]
	return s.commitRow(entry, func() {
		s.index.Entries[entry.ID] = ie
	}, func() {
		if had {
			s.index.Entries[entry.ID] = prev
		} else {
			delete(s.index.Entries, entry.ID)
		}
	})
}

// GetEntry returns a decrypted copy of the entry.
func (s *Session) GetEntry(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	if _, ok := s.index.Entries[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e, err := s.readRow(s.db, id)
	if err != nil {
		s.audit.Append(audit.OpEntryGet, id, audit.ResultError)
		return nil, err
	}
	s.audit.Append(audit.OpEntryGet, id, audit.ResultSuccess)
	return e, nil
}

// HasEntry reports whether id is in the index.
func (s *Session) HasEntry(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return false, ErrVaultLocked
	}
	_, ok := s.index.Entries[id]
	return ok, nil
}

// UpdateEntry replaces the payload and title of an existing entry. The kind
// and created stamp cannot change; modified is rewritten and the entry goes
// back to pending until the next sync.
func (s *Session) UpdateEntry(e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}

	ie, ok := s.index.Entries[e.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, e.ID)
	}
	current, err := s.readRow(s.db, e.ID)
	if err != nil {
		return nil, err
	}
	if e.Kind != current.Kind {
		return nil, ErrKindChangeDenied
	}

	entry := e.Clone()
	entry.Created = current.Created
	if entry.Kind == KindFile {
		// File layout is fixed by the stored chunks.
		entry.File = current.File
	}
	entry.Modified = s.nextModified()
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if err := s.commitUpdate(entry, ie, StatusPending); err != nil {
		s.audit.Append(audit.OpEntryUpdate, entry.ID, audit.ResultError)
		return nil, err
	}
	s.audit.Append(audit.OpEntryUpdate, entry.ID, audit.ResultSuccess)
	return entry.Clone(), nil
}

// commitUpdate rewrites the row and the index entry. Callers hold s.mu.
func (s *Session) commitUpdate(entry *Entry, ie *IndexEntry, status CloudSyncStatus) error {
	title, err := s.sealTitle(entry.ID, entry.Title)
	if err != nil {
		return err
	}
	prev := ie.clone()
	return s.commitRow(entry, func() {
		ie.EncryptedTitle = title
		ie.Modified = entry.Modified
		ie.Status = status
	}, func() {
		*ie = *prev
	})
}

// DeleteEntry removes an entry. The index is persisted first; the rows are
// removed afterwards and collected on the next unlock if that fails.
func (s *Session) DeleteEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}

	ie, ok := s.index.Entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(s.index.Entries, id)
	if err := s.persist(); err != nil {
		s.index.Entries[id] = ie
		s.audit.Append(audit.OpEntryDelete, id, audit.ResultError)
		return err
	}

	if err := s.deleteRows(id); err != nil {
		log.Warn().Err(err).Str("entry_id", id).Msg("failed to remove entry rows")
	}
	s.audit.Append(audit.OpEntryDelete, id, audit.ResultSuccess)
	return nil
}

func (s *Session) deleteRows(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM file_chunks WHERE entry_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEntries returns summaries sorted by title, decrypting only titles.
func (s *Session) ListEntries() ([]EntrySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}

	out := make([]EntrySummary, 0, len(s.index.Entries))
	for id, ie := range s.index.Entries {
		title, err := s.openTitle(id, ie)
		if err != nil {
			return nil, err
		}
		out = append(out, EntrySummary{
			ID:       id,
			Kind:     ie.Kind,
			Title:    title,
			Modified: ie.Modified,
			Status:   ie.Status,
			Durable:  ie.Durable(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	s.audit.Append(audit.OpEntryList, "", audit.ResultSuccess)
	return out, nil
}

// Entries decrypts every entry. Used by the sync engine for snapshotting.
func (s *Session) Entries() (map[string]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}

	out := make(map[string]*Entry, len(s.index.Entries))
	for id := range s.index.Entries {
		e, err := s.readRow(s.db, id)
		if err != nil {
			return nil, err
		}
		out[id] = e
	}
	return out, nil
}

// IndexEntry returns a copy of the index record for id.
func (s *Session) IndexEntry(id string) (*IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	ie, ok := s.index.Entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return ie.clone(), nil
}

// PutEntry stores e exactly as given, keeping its timestamps. It is used to
// apply remote state and never rewrites modified. File content is marked as
// not local unless the existing local chunks carry the same checksum.
func (s *Session) PutEntry(e *Entry, status CloudSyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrVaultCorrupted)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	entry := e.Clone()
	s.observeModified(entry.Modified)

	ie, exists := s.index.Entries[entry.ID]
	if !exists {
		return s.commitNew(entry, status, entry.Kind != KindFile)
	}

	if entry.Kind == KindFile && ie.LocalContent {
		current, err := s.readRow(s.db, entry.ID)
		if err != nil {
			return err
		}
		if current.File == nil || current.File.Checksum != entry.File.Checksum {
			ie.LocalContent = false
			if _, err := s.db.Exec("DELETE FROM file_chunks WHERE entry_id = ?", entry.ID); err != nil {
				return fmt.Errorf("vault: failed to drop stale chunks: %w", err)
			}
		}
	}
	ie.Kind = entry.Kind
	if entry.File != nil {
		ie.ChunkCount = entry.File.ChunkCount
	}
	return s.commitUpdate(entry, ie, status)
}

// SetCloudStatus records the sync status of an entry.
func (s *Session) SetCloudStatus(id string, status CloudSyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}
	ie, ok := s.index.Entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if ie.Status == status {
		return nil
	}
	prev := ie.Status
	ie.Status = status
	if err := s.persist(); err != nil {
		ie.Status = prev
		return err
	}
	return nil
}

// SetFragments records where the entry's ciphertext lives remotely. The
// entry becomes synced once every pointer is present.
func (s *Session) SetFragments(id string, record *CloudFileChunk, fragments []CloudFileChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}
	ie, ok := s.index.Entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	prev := ie.clone()
	if record != nil {
		r := *record
		ie.Record = &r
	} else {
		ie.Record = nil
	}
	ie.Fragments = append([]CloudFileChunk(nil), fragments...)
	sort.Slice(ie.Fragments, func(i, j int) bool { return ie.Fragments[i].ChunkIndex < ie.Fragments[j].ChunkIndex })
	if ie.Durable() {
		ie.Status = StatusSynced
	} else if ie.Status == StatusSynced {
		ie.Status = StatusPending
	}
	if err := s.persist(); err != nil {
		*ie = *prev
		return err
	}
	return nil
}

// PendingEntries returns the ids of entries that are not yet synced, sorted.
func (s *Session) PendingEntries() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}
	var ids []string
	for id, ie := range s.index.Entries {
		if ie.Status != StatusSynced || !ie.Durable() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkSynced stamps the time of the last successful sync.
func (s *Session) MarkSynced(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}
	prev := s.index.Metadata.LastSync
	s.index.Metadata.LastSync = at.UTC()
	if err := s.persist(); err != nil {
		s.index.Metadata.LastSync = prev
		return err
	}
	return nil
}

// Stats returns entry counts and timestamps.
func (s *Session) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockedLocked() {
		return nil, ErrVaultLocked
	}

	st := &Stats{
		EntryCount: len(s.index.Entries),
		Created:    s.index.Metadata.Created,
		LastSync:   s.index.Metadata.LastSync,
		ByKind:     make(map[EntryKind]int),
	}
	for _, ie := range s.index.Entries {
		st.ByKind[ie.Kind]++
		switch ie.Status {
		case StatusSynced:
			st.Synced++
		case StatusError:
			st.Errors++
		default:
			st.Pending++
		}
	}
	return st, nil
}

// ChangePassword re-derives every key from newPassword with the existing
// salt and re-seals the entries, file chunks and index. Hooks run after the
// new index is on disk; their errors are returned but do not undo the change.
func (s *Session) ChangePassword(oldPassword, newPassword string, hooks ...RekeyHook) error {
	if err := ValidateMasterPassword(newPassword); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedLocked() {
		return ErrVaultLocked
	}

	if !crypto.VerifyPassword(crypto.NormalizePassword(oldPassword), s.index.Salt, s.index.VerificationHash) {
		return ErrInvalidPassword
	}
	newKeys, err := crypto.DeriveAllKeys(crypto.NormalizePassword(newPassword), s.index.Salt)
	if err != nil {
		return fmt.Errorf("vault: failed to derive keys: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		newKeys.Wipe()
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.resealRows(tx, newKeys); err != nil {
		newKeys.Wipe()
		return err
	}

	titles := make(map[string]string, len(s.index.Entries))
	for id, ie := range s.index.Entries {
		title, err := s.openTitle(id, ie)
		if err != nil {
			newKeys.Wipe()
			return err
		}
		sealed, err := crypto.SealString(newKeys.Index.Bytes(), []byte(title), []byte(id))
		if err != nil {
			newKeys.Wipe()
			return err
		}
		titles[id] = sealed
	}

	prevTitles := make(map[string]string, len(titles))
	for id, ie := range s.index.Entries {
		prevTitles[id] = ie.EncryptedTitle
		ie.EncryptedTitle = titles[id]
	}
	prevHash := s.index.VerificationHash
	s.index.VerificationHash = newKeys.Verification

	restore := func() {
		for id, ie := range s.index.Entries {
			ie.EncryptedTitle = prevTitles[id]
		}
		s.index.VerificationHash = prevHash
	}

	if err := writeIndex(s.vault.indexPath(), s.index, newKeys.Index.Bytes(), s.auditKey.Bytes()); err != nil {
		restore()
		newKeys.Wipe()
		return err
	}
	if err := tx.Commit(); err != nil {
		// Put the old index back so the old password still opens the old rows.
		restore()
		if werr := s.persist(); werr != nil {
			log.Error().Err(werr).Msg("failed to restore index after rekey rollback")
		}
		newKeys.Wipe()
		return fmt.Errorf("vault: failed to commit rekey: %w", err)
	}

	oldKeys := s.keys
	s.keys = newKeys

	var hookErrs []error
	for _, hook := range hooks {
		if err := hook(oldKeys, newKeys); err != nil {
			hookErrs = append(hookErrs, err)
		}
	}
	oldKeys.Wipe()

	_ = s.audit.LogSuccess(audit.OpVaultRekey, audit.SourceCLI, "")
	return errors.Join(hookErrs...)
}

// resealRows re-encrypts every entry row and local chunk under newKeys.
func (s *Session) resealRows(tx *sql.Tx, newKeys *crypto.KeyHierarchy) error {
	for id, ie := range s.index.Entries {
		e, err := s.readRow(tx, id)
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(e)
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(newKeys.Entry.Bytes(), plaintext, []byte(id))
		secmem.WipeBytes(plaintext)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE entries SET sealed = ? WHERE id = ?", sealed, id); err != nil {
			return fmt.Errorf("vault: failed to reseal entry: %w", err)
		}

		if ie.Kind != KindFile || !ie.LocalContent {
			continue
		}
		for i := 0; i < ie.ChunkCount; i++ {
			chunk, err := s.readChunkLocked(tx, id, i, ie.ChunkCount)
			if err != nil {
				return err
			}
			resealed, err := crypto.Seal(newKeys.Entry.Bytes(), chunk, crypto.ChunkAAD(id, i, ie.ChunkCount))
			secmem.WipeBytes(chunk)
			if err != nil {
				return err
			}
			if _, err := tx.Exec("UPDATE file_chunks SET sealed = ? WHERE entry_id = ? AND chunk_index = ?", resealed, id, i); err != nil {
				return fmt.Errorf("vault: failed to reseal chunk: %w", err)
			}
		}
	}
	return nil
}

// collectOrphans deletes rows that the index does not reference.
func (s *Session) collectOrphans() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orphans []string
	for _, query := range []string{
		"SELECT id FROM entries",
		"SELECT DISTINCT entry_id FROM file_chunks",
	} {
		rows, err := s.db.Query(query)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if _, ok := s.index.Entries[id]; !ok {
				orphans = append(orphans, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	for _, id := range orphans {
		if err := s.deleteRows(id); err != nil {
			return err
		}
		log.Debug().Str("entry_id", id).Msg("removed orphaned rows")
	}
	return nil
}
