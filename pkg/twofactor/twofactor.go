// Package twofactor adds TOTP and single-use backup codes as a second
// unlock factor. The configuration is sealed under the vault's metadata
// key.
package twofactor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/vault"
)

const (
	// ConfigFileName is the sealed configuration inside the vault directory.
	ConfigFileName = "twofactor.config"
	// DefaultIssuer labels the account in authenticator apps.
	DefaultIssuer = "vaultsync"

	configAAD     = "twofactor-config"
	formatVersion = 1
)

var (
	ErrNotEnabled     = errors.New("twofactor: not enabled")
	ErrAlreadyEnabled = errors.New("twofactor: already enabled")
	ErrInvalidCode    = errors.New("twofactor: invalid code")
	ErrCodeReused     = errors.New("twofactor: code already used")
)

// Method names how a code was accepted.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup"
)

// Config is the decrypted two-factor configuration.
type Config struct {
	Version     int       `json:"version"`
	Secret      string    `json:"secret"`
	BackupCodes []string  `json:"backup_codes"`
	LastStep    int64     `json:"last_step"`
	Created     time.Time `json:"created"`
}

// Enrollment is shown to the user once, when two-factor is enabled.
type Enrollment struct {
	Secret      string
	URI         string
	BackupCodes []string
}

// Status summarises the configuration without exposing secrets.
type Status struct {
	Enabled     bool
	Created     time.Time
	BackupCodes int
	LegacyCodes int
}

// Manager reads and writes the configuration of one vault directory.
type Manager struct {
	dir    string
	issuer string
	now    func() time.Time
	mu     sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(m *Manager) { m.issuer = issuer }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager for the vault directory dir.
func New(dir string, opts ...Option) *Manager {
	m := &Manager{dir: dir, issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) path() string { return filepath.Join(m.dir, ConfigFileName) }

// Enabled reports whether a configuration exists.
func (m *Manager) Enabled() bool {
	return fsutil.Exists(m.path())
}

// Enable creates a secret and backup codes for account.
func (m *Manager) Enable(session *vault.Session, account string) (*Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Enabled() {
		return nil, ErrAlreadyEnabled
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	codes, err := GenerateBackupCodes(DefaultBackupCodes)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Version: formatVersion, Secret: secret, Created: m.now().UTC()}
	for _, c := range codes {
		h, err := HashBackupCode(c)
		if err != nil {
			return nil, err
		}
		cfg.BackupCodes = append(cfg.BackupCodes, h)
	}
	if err := m.save(session, cfg); err != nil {
		session.Audit().Append(audit.OpTwoFactorSetup, "", audit.ResultError)
		return nil, err
	}
	session.Audit().Append(audit.OpTwoFactorSetup, "", audit.ResultSuccess)
	return &Enrollment{
		Secret:      secret,
		URI:         ProvisionURI(account, m.issuer, secret),
		BackupCodes: codes,
	}, nil
}

// Verify accepts a current TOTP code or an unused backup code. A backup
// code is consumed; a TOTP step cannot be replayed.
func (m *Manager) Verify(session *vault.Session, code string) (Method, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.load(session)
	if err != nil {
		return "", err
	}

	method, err := m.accept(cfg, code)
	if err != nil {
		session.Audit().Append(audit.OpTwoFactorVerify, "", audit.ResultDenied)
		return "", err
	}
	if err := m.save(session, cfg); err != nil {
		return "", err
	}
	session.Audit().Append(audit.OpTwoFactorVerify, "", audit.ResultSuccess)
	return method, nil
}

func (m *Manager) accept(cfg *Config, code string) (Method, error) {
	if step, ok := matchStep(code, cfg.Secret, m.now()); ok {
		if step <= cfg.LastStep {
			return "", ErrCodeReused
		}
		cfg.LastStep = step
		return MethodTOTP, nil
	}
	for i, stored := range cfg.BackupCodes {
		if matchBackupCode(code, stored) {
			cfg.BackupCodes = append(cfg.BackupCodes[:i], cfg.BackupCodes[i+1:]...)
			return MethodBackup, nil
		}
	}
	return "", ErrInvalidCode
}

// RegenerateBackupCodes replaces every backup code.
func (m *Manager) RegenerateBackupCodes(session *vault.Session) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.load(session)
	if err != nil {
		return nil, err
	}
	codes, err := GenerateBackupCodes(DefaultBackupCodes)
	if err != nil {
		return nil, err
	}
	cfg.BackupCodes = cfg.BackupCodes[:0]
	for _, c := range codes {
		h, err := HashBackupCode(c)
		if err != nil {
			return nil, err
		}
		cfg.BackupCodes = append(cfg.BackupCodes, h)
	}
	if err := m.save(session, cfg); err != nil {
		return nil, err
	}
	return codes, nil
}

// MigrateLegacy rewrites unsalted backup-code hashes into the salted form
// and returns how many were rewritten. Until it runs, legacy codes are
// rejected by Verify.
func (m *Manager) MigrateLegacy(session *vault.Session) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.load(session)
	if err != nil {
		return 0, err
	}
	n := 0
	for i, stored := range cfg.BackupCodes {
		if !isLegacyHash(stored) {
			continue
		}
		h, err := hashFromDigest(stored)
		if err != nil {
			return 0, err
		}
		cfg.BackupCodes[i] = h
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, m.save(session, cfg)
}

// Status reports the configuration state.
func (m *Manager) Status(session *vault.Session) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.load(session)
	if errors.Is(err, ErrNotEnabled) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	st := &Status{Enabled: true, Created: cfg.Created}
	for _, c := range cfg.BackupCodes {
		if isLegacyHash(c) {
			st.LegacyCodes++
		} else {
			st.BackupCodes++
		}
	}
	return st, nil
}

// Disable removes the configuration.
func (m *Manager) Disable(session *vault.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.load(session); err != nil {
		return err
	}
	return fsutil.RemoveIfExists(m.path())
}

// RekeyHook re-seals the configuration under the new metadata key.
func (m *Manager) RekeyHook() vault.RekeyHook {
	return func(oldKeys, newKeys *crypto.KeyHierarchy) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cfg, err := m.read(oldKeys.Metadata.Bytes())
		if errors.Is(err, ErrNotEnabled) {
			return nil
		}
		if err != nil {
			return err
		}
		return m.write(newKeys.Metadata.Bytes(), cfg)
	}
}

func (m *Manager) load(session *vault.Session) (*Config, error) {
	key, err := session.MetadataKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	return m.read(key.Bytes())
}

func (m *Manager) save(session *vault.Session, cfg *Config) error {
	key, err := session.MetadataKey()
	if err != nil {
		return err
	}
	defer key.Wipe()
	return m.write(key.Bytes(), cfg)
}

func (m *Manager) read(key []byte) (*Config, error) {
	sealed, err := os.ReadFile(m.path())
	if os.IsNotExist(err) {
		return nil, ErrNotEnabled
	}
	if err != nil {
		return nil, fmt.Errorf("twofactor: failed to read config: %w", err)
	}
	plain, err := crypto.Open(key, sealed, []byte(configAAD))
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plain)
	var cfg Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, fmt.Errorf("twofactor: invalid config: %w", err)
	}
	return &cfg, nil
}

func (m *Manager) write(key []byte, cfg *Config) error {
	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("twofactor: failed to encode config: %w", err)
	}
	defer crypto.SecureWipe(plain)
	sealed, err := crypto.Seal(key, plain, []byte(configAAD))
	if err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(m.path(), sealed, fsutil.FileMode)
}
