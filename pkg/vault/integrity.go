package vault

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// IntegrityCheckResult contains the results of vault integrity verification
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	IndexValid       bool     `json:"index_valid"`
	DBExists         bool     `json:"db_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	PermissionsValid bool     `json:"permissions_valid"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// checkPerm marks the result invalid when group or other have any access.
func (r *IntegrityCheckResult) checkPerm(name string, info os.FileInfo, want os.FileMode) {
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		r.PermissionsValid = false
		r.fail("%s has insecure permissions: %04o (expected %04o)", name, perm, want)
	}
}

// CheckIntegrity performs an integrity check that needs no password:
// 1. The index header parses and has a valid salt and verification hash
// 2. The database passes SQLite's integrity check and has the expected tables
// 3. Files are owner-only (0600 for files, 0700 for the directory)
func (v *Vault) CheckIntegrity() (*IntegrityCheckResult, error) {
	result := &IntegrityCheckResult{
		Valid:            true,
		PermissionsValid: true,
	}

	if dirInfo, err := os.Stat(v.path); err == nil {
		result.checkPerm("vault directory", dirInfo, DirMode)
	} else {
		result.fail("vault directory not found: %s", v.path)
		return result, nil
	}

	indexInfo, err := os.Stat(v.indexPath())
	if err != nil {
		result.fail("index file not found: %s", v.indexPath())
	} else {
		result.checkPerm("index file", indexInfo, FileMode)
		if _, err := ReadIndexHeader(v.indexPath()); err != nil {
			result.fail("index header invalid: %v", err)
		} else {
			result.IndexValid = true
		}
	}

	dbInfo, err := os.Stat(v.dbPath())
	if err != nil {
		result.fail("database file not found: %s", v.dbPath())
		return result, nil
	}
	result.DBExists = true
	result.checkPerm("database file", dbInfo, FileMode)

	db, err := sql.Open("sqlite", "file:"+v.dbPath()+"?mode=ro")
	if err != nil {
		result.fail("failed to open database: %v", err)
		return result, nil
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		result.fail("database integrity check failed: %v", err)
		return result, nil
	}
	if integrity != "ok" {
		result.fail("database integrity check returned: %s", integrity)
		return result, nil
	}

	dbOK := true
	for _, table := range []string{"entries", "file_chunks", "schema_version"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			dbOK = false
			result.fail("required table not found: %s", table)
		}
	}
	result.DBIntegrity = dbOK

	if auditInfo, err := os.Stat(filepath.Join(v.path, AuditDirName)); err == nil {
		result.checkPerm("audit directory", auditInfo, DirMode)
	}

	return result, nil
}
