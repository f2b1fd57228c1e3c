// Package syncstate persists per-entry synchronisation bookkeeping and the
// log of conflict resolutions in a SQLite database next to the vault.
package syncstate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"

	_ "modernc.org/sqlite"
)

// FileName is the database file inside the vault directory.
const FileName = "sync.db"

const fileMode = 0600

// State is the last agreed state of one entry. Versions are the modified
// timestamps of each side when they were last in agreement.
type State struct {
	EntryID       string
	LocalVersion  int64
	RemoteVersion int64
	LastSyncedAt  int64
	Checksum      string
}

// Resolution is one applied or deferred conflict decision.
type Resolution struct {
	ID         int64
	EntryID    string
	Conflict   string
	Strategy   string
	ResolvedAt int64
}

// Store is the sync state database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("syncstate: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, fileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("syncstate: failed to set database permissions: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_state (
			entry_id TEXT PRIMARY KEY,
			local_version INTEGER NOT NULL,
			remote_version INTEGER NOT NULL,
			last_synced_at INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS resolution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			conflict TEXT NOT NULL,
			strategy TEXT NOT NULL,
			resolved_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_resolution_log_entry ON resolution_log(entry_id);
	`)
	if err != nil {
		return fmt.Errorf("syncstate: failed to create schema: %w", err)
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the state of entryID. ok is false when none is recorded.
func (s *Store) Get(entryID string) (st State, ok bool, err error) {
	err = s.db.QueryRow(`
		SELECT entry_id, local_version, remote_version, last_synced_at, checksum
		FROM sync_state WHERE entry_id = ?
	`, entryID).Scan(&st.EntryID, &st.LocalVersion, &st.RemoteVersion, &st.LastSyncedAt, &st.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("syncstate: failed to read state: %w", err)
	}
	return st, true, nil
}

// All returns every recorded state keyed by entry id.
func (s *Store) All() (map[string]State, error) {
	rows, err := s.db.Query(`SELECT entry_id, local_version, remote_version, last_synced_at, checksum FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("syncstate: failed to query states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]State)
	for rows.Next() {
		var st State
		if err := rows.Scan(&st.EntryID, &st.LocalVersion, &st.RemoteVersion, &st.LastSyncedAt, &st.Checksum); err != nil {
			return nil, fmt.Errorf("syncstate: failed to scan state: %w", err)
		}
		out[st.EntryID] = st
	}
	return out, rows.Err()
}

// Put records st, replacing any earlier state of the entry.
func (s *Store) Put(st State) error {
	if st.EntryID == "" {
		return errors.New("syncstate: entry id is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_state (entry_id, local_version, remote_version, last_synced_at, checksum)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			last_synced_at = excluded.last_synced_at,
			checksum = excluded.checksum
	`, st.EntryID, st.LocalVersion, st.RemoteVersion, st.LastSyncedAt, st.Checksum)
	if err != nil {
		return fmt.Errorf("syncstate: failed to write state: %w", err)
	}
	return nil
}

// Delete forgets the state of entryID. Deleting an unknown entry is not an error.
func (s *Store) Delete(entryID string) error {
	if _, err := s.db.Exec("DELETE FROM sync_state WHERE entry_id = ?", entryID); err != nil {
		return fmt.Errorf("syncstate: failed to delete state: %w", err)
	}
	return nil
}

// AppendResolution records a conflict decision.
func (s *Store) AppendResolution(r Resolution) error {
	_, err := s.db.Exec(`
		INSERT INTO resolution_log (entry_id, conflict, strategy, resolved_at) VALUES (?, ?, ?, ?)
	`, r.EntryID, r.Conflict, r.Strategy, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("syncstate: failed to log resolution: %w", err)
	}
	return nil
}

// Resolutions returns the most recent decisions, newest first. A limit of
// zero or less returns all of them.
func (s *Store) Resolutions(limit int) ([]Resolution, error) {
	query := "SELECT id, entry_id, conflict, strategy, resolved_at FROM resolution_log ORDER BY id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("syncstate: failed to query resolutions: %w", err)
	}
	defer rows.Close()

	var out []Resolution
	for rows.Next() {
		var r Resolution
		if err := rows.Scan(&r.ID, &r.EntryID, &r.Conflict, &r.Strategy, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("syncstate: failed to scan resolution: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IDs returns the sorted entry ids of states.
func IDs(states map[string]State) []string {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
