// Package vault provides the local encrypted entry store.
//
// A vault directory holds vault.index (plaintext header plus the index body
// sealed under the index key), vault.db (sealed entries and local file chunks),
// vault.lock (failed unlock bookkeeping) and the audit/ log.
package vault

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
)

// Constants
const (
	IndexFileName = "vault.index"
	DBFileName    = "vault.db"
	LockFileName  = "vault.lock"
	AuditDirName  = "audit"
	FileMode      = fsutil.FileMode
	DirMode       = fsutil.DirMode

	// Unlock attempt limits
	// 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30
	CooldownDuration2  = 300
	CooldownDuration3  = 1800

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full

	MinPasswordLength = 8
	MaxPasswordLength = 128

	auditKeyLength = 32
)

// Errors
var (
	ErrVaultAlreadyExists = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound      = errors.New("vault: vault not found at this path")
	ErrVaultLocked        = errors.New("vault: vault is locked")
	ErrInvalidPassword    = errors.New("vault: invalid master password")
	ErrEntryNotFound      = errors.New("vault: entry not found")
	ErrEntryExists        = errors.New("vault: entry already exists")
	ErrVaultCorrupted     = errors.New("vault: vault is corrupted")
	ErrTooManyAttempts    = errors.New("vault: too many failed unlock attempts")
	ErrCooldownActive     = errors.New("vault: cooldown period active")
	ErrInsufficientDisk   = errors.New("vault: insufficient disk space")
	ErrPasswordTooShort   = errors.New("vault: password must be at least 8 characters")
	ErrPasswordTooLong    = errors.New("vault: password must be at most 128 characters")
	ErrContentNotLocal    = errors.New("vault: file content is not stored locally")
)

// ValidateMasterPassword checks the length bounds of a master password.
func ValidateMasterPassword(password string) error {
	n := len([]rune(password))
	if n < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if n > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// LockState tracks failed unlock attempts for cooldown enforcement
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// Vault manages one vault directory. It is safe for concurrent use; every
// successful Unlock returns an independent Session.
type Vault struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// New creates a Vault for the directory at path.
func New(path string, opts ...Option) *Vault {
	v := &Vault{path: path, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Path returns the vault path
func (v *Vault) Path() string {
	return v.path
}

func (v *Vault) indexPath() string { return filepath.Join(v.path, IndexFileName) }
func (v *Vault) dbPath() string    { return filepath.Join(v.path, DBFileName) }

// Exists reports whether a vault has been created at the path.
func (v *Vault) Exists() bool {
	return fsutil.Exists(v.indexPath())
}

// Header returns the plaintext index header.
func (v *Vault) Header() (*IndexHeader, error) {
	return ReadIndexHeader(v.indexPath())
}

// Create initializes a new vault:
// 1. Generate the salt and derive the key hierarchy
// 2. Create vault.db and its tables
// 3. Write an empty index sealed under the index key
// 4. Record vault.init in the audit log
func (v *Vault) Create(masterPassword string) error {
	return v.create(masterPassword, nil)
}

// Join creates an empty vault that shares the salt of another device's
// vault, so both derive the same keys from the same password. The password
// must match the header's verification hash.
func (v *Vault) Join(masterPassword string, h *IndexHeader) error {
	if h == nil || len(h.Salt) != crypto.SaltLength || len(h.VerificationHash) == 0 {
		return fmt.Errorf("%w: incomplete header", ErrVaultCorrupted)
	}
	if h.Format != IndexFormatVersion {
		return fmt.Errorf("%w: unsupported index format %d", ErrVaultCorrupted, h.Format)
	}
	return v.create(masterPassword, h)
}

func (v *Vault) create(masterPassword string, join *IndexHeader) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Exists() {
		return ErrVaultAlreadyExists
	}
	if err := ValidateMasterPassword(masterPassword); err != nil {
		return err
	}
	if err := v.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return err
	}
	if err := os.MkdirAll(v.path, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	var salt []byte
	if join != nil {
		salt = append([]byte(nil), join.Salt...)
	} else {
		var err error
		if salt, err = crypto.GenerateSalt(); err != nil {
			return err
		}
	}
	keys, err := crypto.DeriveAllKeys(crypto.NormalizePassword(masterPassword), salt)
	if err != nil {
		return fmt.Errorf("vault: failed to derive keys: %w", err)
	}
	defer keys.Wipe()
	if join != nil && !keys.Matches(join.VerificationHash) {
		return ErrInvalidPassword
	}

	auditKey := make([]byte, auditKeyLength)
	if _, err := rand.Read(auditKey); err != nil {
		return fmt.Errorf("vault: failed to generate audit key: %w", err)
	}
	defer secmem.WipeBytes(auditKey)

	db, err := openDB(v.dbPath())
	if err != nil {
		return err
	}
	db.Close()

	idx := &VaultIndex{
		Version:          IndexFormatVersion,
		Salt:             salt,
		VerificationHash: keys.Verification,
		Entries:          make(map[string]*IndexEntry),
		Metadata:         IndexMetadata{Created: v.now().UTC()},
	}
	// The index is written last: its presence marks the vault as created.
	if err := writeIndex(v.indexPath(), idx, keys.Index.Bytes(), auditKey); err != nil {
		return err
	}

	logger := audit.NewLogger(filepath.Join(v.path, AuditDirName))
	if err := logger.SetKey(auditKey); err != nil {
		log.Warn().Err(err).Msg("failed to initialize audit logger")
	} else {
		_ = logger.LogSuccess(audit.OpVaultInit, audit.SourceCLI, "")
	}
	logger.Close()

	log.Debug().Str("path", v.path).Msg("vault created")
	return nil
}

// Unlock verifies the master password against the stored verification hash
// before any ciphertext is touched, then decrypts the index and opens a Session.
func (v *Vault) Unlock(masterPassword string) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.Exists() {
		return nil, ErrVaultNotFound
	}

	if remaining, err := v.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return nil, fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return nil, err
	}

	f, err := readIndexFile(v.indexPath())
	if err != nil {
		return nil, err
	}

	keys, err := crypto.DeriveAllKeys(crypto.NormalizePassword(masterPassword), f.Salt)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to derive keys: %w", err)
	}
	if !keys.Matches(f.VerificationHash) {
		keys.Wipe()
		cooldown, recordErr := v.recordFailedAttempt()
		if recordErr != nil {
			log.Warn().Err(recordErr).Msg("failed to record unlock attempt")
		}
		if cooldown > 0 {
			return nil, fmt.Errorf("%w: cooldown activated for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
		}
		return nil, ErrInvalidPassword
	}

	idx, auditKey, err := openIndex(f, keys.Index.Bytes())
	if err != nil {
		keys.Wipe()
		// The password verified, so a failed open means the index was altered.
		return nil, fmt.Errorf("vault: failed to open index: %w", err)
	}

	db, err := openDB(v.dbPath())
	if err != nil {
		keys.Wipe()
		auditKey.Wipe()
		return nil, err
	}

	failed := v.failedAttempts()
	if err := v.clearLockState(); err != nil {
		log.Warn().Err(err).Msg("failed to clear lock state")
	}

	s := &Session{
		vault:    v,
		keys:     keys,
		auditKey: auditKey,
		index:    idx,
		db:       db,
		audit:    audit.NewLogger(filepath.Join(v.path, AuditDirName)),
	}
	for _, ie := range idx.Entries {
		if ie.Modified > s.lastModified {
			s.lastModified = ie.Modified
		}
	}

	if err := s.audit.SetKey(auditKey.Bytes()); err != nil {
		log.Warn().Err(err).Msg("failed to initialize audit logger")
	} else {
		if failed > 0 {
			_ = s.audit.Log(audit.OpVaultUnlockFailed, audit.SourceCLI, audit.ResultDenied, "", nil,
				map[string]interface{}{"attempts": failed})
		}
		_ = s.audit.LogSuccess(audit.OpVaultUnlock, audit.SourceCLI, "")
	}

	if err := s.collectOrphans(); err != nil {
		log.Warn().Err(err).Msg("failed to remove orphaned rows")
	}

	v.checkAndWarnPermissions()
	return s, nil
}

// checkAndWarnPermissions logs a warning for group or world accessible files.
// This is advisory only and does not block operations.
func (v *Vault) checkAndWarnPermissions() {
	if info, err := os.Stat(v.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			log.Warn().Str("perm", fmt.Sprintf("%04o", perm)).Msg("vault directory has insecure permissions (expected 0700)")
		}
	}

	for _, fname := range []string{IndexFileName, DBFileName} {
		if info, err := os.Stat(filepath.Join(v.path, fname)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				log.Warn().Str("file", fname).Str("perm", fmt.Sprintf("%04o", perm)).Msg("insecure permissions (expected 0600)")
			}
		}
	}
}

// openDB opens vault.db in single-connection mode and migrates its schema.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}
	// CLI usage has limited concurrency; one connection avoids "database is locked"
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to set database permissions: %w", err)
	}
	return db, nil
}

// loadLockState reads the lock state from the lock file
func (v *Vault) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(filepath.Join(v.path, LockFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted lock file - reset state
		return &LockState{}, nil
	}
	return &state, nil
}

// saveLockState writes the lock state to the lock file
func (v *Vault) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := fsutil.AtomicWriteFile(filepath.Join(v.path, LockFileName), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

// clearLockState removes the lock state file (called on successful unlock)
func (v *Vault) clearLockState() error {
	if err := fsutil.RemoveIfExists(filepath.Join(v.path, LockFileName)); err != nil {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

func (v *Vault) failedAttempts() int {
	state, err := v.loadLockState()
	if err != nil {
		return 0
	}
	return state.FailedAttempts
}

// checkCooldown verifies if unlock is allowed or if cooldown is active
func (v *Vault) checkCooldown() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt records a failed unlock attempt and potentially triggers cooldown
func (v *Vault) recordFailedAttempt() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := v.now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3 * time.Second
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2 * time.Second
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1 * time.Second
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	if err := v.saveLockState(state); err != nil {
		return cooldown, err
	}
	return cooldown, nil
}

// GetLockState returns the current lock state for display purposes
func (v *Vault) GetLockState() (*LockState, error) {
	return v.loadLockState()
}

// RemainingCooldown returns the remaining cooldown time, or 0 if not in cooldown
func (v *Vault) RemainingCooldown() time.Duration {
	remaining, err := v.checkCooldown()
	if err != nil && !errors.Is(err, ErrCooldownActive) {
		return 0
	}
	return remaining
}

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"`
	UsedPct   int    `json:"used_pct"`
}

// checkDiskSpaceForWrite verifies sufficient disk space before write operations
func (v *Vault) checkDiskSpaceForWrite(dataSize int64) error {
	info, err := v.CheckDiskSpace()
	if err != nil {
		// Don't block the operation
		log.Warn().Err(err).Msg("failed to check disk space")
		return nil
	}

	// Need at least MinDiskSpaceBytes or 2x the data size, whichever is larger
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		log.Warn().Int("used_pct", info.UsedPct).Msg("disk is nearly full, consider freeing space")
	}
	return nil
}
