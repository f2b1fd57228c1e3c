// Package duress implements a secondary "panic" password. Presenting it at
// unlock opens a decoy view instead of the real vault.
//
// Two files live next to the vault. duress.verifier holds a salt and an
// Argon2id-derived hash of the duress password and can be checked before
// the real vault is unlocked. duress.config holds the sealed configuration;
// its key is wrapped both under the real index key and under a key derived
// from the duress password, so either side can read and update it.
package duress

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
	"github.com/forest6511/vaultsync/pkg/vault"
)

const (
	VerifierFileName = "duress.verifier"
	ConfigFileName   = "duress.config"
	// JournalDirName holds the forensic trigger log.
	JournalDirName = ".journal"

	formatVersion = 1

	configAAD     = "duress-config"
	realWrapAAD   = "duress-config-key-real"
	duressWrapAAD = "duress-config-key-duress"

	verifierInfo = "duress-verifier-v1"
	wrapInfo     = "duress-wrap-v1"
	journalInfo  = "duress-journal-v1"
)

// Mode selects the decoy entries shown under duress.
type Mode string

const (
	// ModeDecoy serves the built-in decoy set.
	ModeDecoy Mode = "decoy"
	// ModeCustom serves the configured decoy entries.
	ModeCustom Mode = "custom"
)

var (
	// ErrDuressConfigConflict is returned for any configuration change
	// attempted while in duress mode.
	ErrDuressConfigConflict = errors.New("duress: configuration cannot be changed in this session")
	ErrNotConfigured        = errors.New("duress: not configured")
	ErrSamePassword         = errors.New("duress: password must differ from the master password")
	ErrInvalidMode          = errors.New("duress: invalid mode")
	ErrNoDecoys             = errors.New("duress: custom mode requires decoy entries")
)

// Config is the decrypted duress configuration.
type Config struct {
	Enabled       bool           `json:"enabled"`
	Mode          Mode           `json:"mode"`
	PasswordHash  []byte         `json:"password_hash"`
	DecoyEntries  []*vault.Entry `json:"decoy_entries,omitempty"`
	Created       time.Time      `json:"created"`
	TriggerCount  int            `json:"trigger_count"`
	LastTriggered time.Time      `json:"last_triggered,omitempty"`
}

// Verifier is the standalone duress password check.
type Verifier struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Hash    []byte `json:"hash"`
}

// configFile is the on-disk form of duress.config.
type configFile struct {
	Version    int    `json:"version"`
	RealWrap   string `json:"real_wrap"`
	DuressWrap string `json:"duress_wrap"`
	Body       string `json:"body"`
}

// duressKeys are derived from the duress password.
type duressKeys struct {
	hash []byte
	wrap *secmem.Buffer
}

func (k *duressKeys) wipe() {
	if k == nil {
		return
	}
	k.wrap.Wipe()
}

func deriveDuressKeys(password string, salt []byte) (*duressKeys, error) {
	pw := crypto.NormalizePassword(password)
	defer secmem.WipeBytes(pw)
	master := crypto.DeriveKey(pw, salt)
	defer secmem.WipeBytes(master)

	hash, err := crypto.ExpandKey(master, verifierInfo)
	if err != nil {
		return nil, err
	}
	wrap, err := crypto.ExpandKey(master, wrapInfo)
	if err != nil {
		return nil, err
	}
	return &duressKeys{hash: hash, wrap: secmem.FromBytes(wrap)}, nil
}

// check derives the duress keys for password and compares the hash in
// constant time. The keys are returned only on a match.
func (v *Verifier) check(password string) (*duressKeys, bool) {
	keys, err := deriveDuressKeys(password, v.Salt)
	if err != nil {
		return nil, false
	}
	if !crypto.ConstantTimeEqual(keys.hash, v.Hash) {
		keys.wipe()
		return nil, false
	}
	return keys, true
}

// Verify reports whether password is the duress password.
func (v *Verifier) Verify(password string) bool {
	keys, ok := v.check(password)
	keys.wipe()
	return ok
}

func verifierPath(dir string) string { return filepath.Join(dir, VerifierFileName) }
func configPath(dir string) string   { return filepath.Join(dir, ConfigFileName) }

// LoadVerifier reads the verifier in dir.
func LoadVerifier(dir string) (*Verifier, error) {
	data, err := os.ReadFile(verifierPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("duress: failed to read verifier: %w", err)
	}
	var v Verifier
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("duress: malformed verifier: %w", err)
	}
	if len(v.Salt) < crypto.SaltLength || len(v.Hash) != crypto.KeyLength {
		return nil, errors.New("duress: malformed verifier")
	}
	return &v, nil
}

func writeVerifier(dir string, v *Verifier) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("duress: failed to encode verifier: %w", err)
	}
	return fsutil.AtomicWriteFile(verifierPath(dir), data, fsutil.FileMode)
}

func readConfigFile(dir string) (*configFile, error) {
	data, err := os.ReadFile(configPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("duress: failed to read config: %w", err)
	}
	var f configFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("duress: malformed config: %w", err)
	}
	return &f, nil
}

func writeConfigFile(dir string, f *configFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("duress: failed to encode config: %w", err)
	}
	return fsutil.AtomicWriteFile(configPath(dir), data, fsutil.FileMode)
}

// unwrap opens the config key with wrapKey using one of the two wraps.
func (f *configFile) unwrap(wrapKey []byte, real bool) (*secmem.Buffer, error) {
	wrapped, aad := f.DuressWrap, duressWrapAAD
	if real {
		wrapped, aad = f.RealWrap, realWrapAAD
	}
	key, err := crypto.OpenString(wrapKey, wrapped, []byte(aad))
	if err != nil {
		return nil, err
	}
	return secmem.FromBytes(key), nil
}

func (f *configFile) open(configKey []byte) (*Config, error) {
	plain, err := crypto.OpenString(configKey, f.Body, []byte(configAAD))
	if err != nil {
		return nil, err
	}
	defer secmem.WipeBytes(plain)
	var cfg Config
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, fmt.Errorf("duress: malformed config body: %w", err)
	}
	return &cfg, nil
}

func (f *configFile) seal(configKey []byte, cfg *Config) error {
	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("duress: failed to encode config body: %w", err)
	}
	defer secmem.WipeBytes(plain)
	body, err := crypto.SealString(configKey, plain, []byte(configAAD))
	if err != nil {
		return err
	}
	f.Body = body
	return nil
}

func newConfigKey() (*secmem.Buffer, error) {
	key := make([]byte, crypto.KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("duress: failed to generate config key: %w", err)
	}
	return secmem.FromBytes(key), nil
}
