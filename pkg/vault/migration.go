package vault

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 holds sealed entry rows and local file chunks
	SchemaVersion1 = 1
	// SchemaVersion2 records the plaintext size of each file chunk
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// getSchemaVersion returns the current schema version from the database.
// Returns 0 for a database with no schema_version table.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: failed to get schema version: %w", err)
	}
	return version, nil
}

// setSchemaVersion records version inside tx.
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("vault: failed to create schema_version table: %w", err)
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("vault: failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema brings the database schema up to CurrentSchemaVersion.
func migrateSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}

	steps := []struct {
		version int
		apply   func(*sql.Tx) error
	}{
		{SchemaVersion1, migrateToV1},
		{SchemaVersion2, migrateToV2},
	}
	for _, step := range steps {
		if version >= step.version {
			continue
		}
		if err := runMigration(db, step.version, step.apply); err != nil {
			return fmt.Errorf("vault: migration to v%d failed: %w", step.version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int, apply func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := apply(tx); err != nil {
		return err
	}
	if err := setSchemaVersion(tx, version); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateToV1 creates the base tables.
func migrateToV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			sealed BLOB NOT NULL,
			modified INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS file_chunks (
			entry_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			sealed BLOB NOT NULL,
			PRIMARY KEY (entry_id, chunk_index)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create file_chunks table: %w", err)
	}
	return nil
}

// migrateToV2 adds the size column to file_chunks.
// Existing rows get size 0 and are rewritten the next time the chunk is stored.
func migrateToV2(tx *sql.Tx) error {
	columns, err := getTableColumns(tx, "file_chunks")
	if err != nil {
		return err
	}
	if !columns["size"] {
		if _, err := tx.Exec("ALTER TABLE file_chunks ADD COLUMN size INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("failed to add size column: %w", err)
		}
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_entries_modified ON entries(modified)"); err != nil {
		return fmt.Errorf("failed to create modified index: %w", err)
	}
	return nil
}

// getTableColumns returns a set of column names for the given table.
func getTableColumns(tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
