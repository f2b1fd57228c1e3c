package duress

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// Outcome is the result of a password presented at the gate.
type Outcome int

const (
	Failed Outcome = iota
	RealUnlock
	DuressUnlock
)

func (o Outcome) String() string {
	switch o {
	case RealUnlock:
		return "real"
	case DuressUnlock:
		return "duress"
	default:
		return "failed"
	}
}

// Gate decides which view a password opens. Once a duress password has
// been accepted the gate stays latched: every later password, right or
// wrong, opens the decoy view again.
type Gate struct {
	vault  *vault.Vault
	dir    string
	source string
	now    func() time.Time
	sink   ForensicSink

	mu     sync.Mutex
	duress bool
	decoy  *DecoyView
}

// Option configures a Gate.
type Option func(*Gate)

// WithSource sets the audit source recorded for triggers.
func WithSource(source string) Option {
	return func(g *Gate) { g.source = source }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithForensicSink sends trigger events to sink instead of the encrypted
// journal in the vault directory.
func WithForensicSink(sink ForensicSink) Option {
	return func(g *Gate) { g.sink = sink }
}

// NewGate creates a gate for v. Duress files live in the vault directory.
func NewGate(v *vault.Vault, opts ...Option) *Gate {
	g := &Gate{vault: v, dir: v.Path(), source: audit.SourceCLI, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// InDuress reports whether the gate is latched in duress mode.
func (g *Gate) InDuress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duress
}

// Configured reports whether a duress password is set.
func (g *Gate) Configured() bool {
	return fsutil.Exists(verifierPath(g.dir))
}

// Unlock checks password against the duress verifier first, then against
// the real vault. Errors from the real unlock are returned with Failed.
func (g *Gate) Unlock(password string) (Outcome, View, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.duress {
		return DuressUnlock, g.decoy, nil
	}

	if v, err := LoadVerifier(g.dir); err == nil {
		if keys, ok := v.check(password); ok {
			g.enterDuress(keys)
			keys.wipe()
			return DuressUnlock, g.decoy, nil
		}
	} else if !errors.Is(err, ErrNotConfigured) {
		log.Debug().Err(err).Msg("verifier unreadable")
	}

	session, err := g.vault.Unlock(password)
	if err != nil {
		return Failed, nil, err
	}
	return RealUnlock, NewRealView(session), nil
}

// enterDuress latches the gate and records the trigger. Failures are
// swallowed. Callers hold g.mu.
func (g *Gate) enterDuress(keys *duressKeys) {
	g.duress = true
	g.equaliseCost()

	ev := Event{Time: g.now().UTC(), Source: g.source}
	var cfg *Config
	f, err := readConfigFile(g.dir)
	if err == nil {
		cfg, err = g.recordTrigger(f, keys, ev)
	}
	if err != nil {
		log.Debug().Err(err).Msg("config unavailable")
	}
	if g.sink != nil {
		if cfg != nil {
			ev.Trigger = cfg.TriggerCount
		}
		appendEvent(g.sink, ev)
	}

	decoys := DefaultDecoys()
	var created time.Time
	if cfg != nil {
		created = cfg.Created
		if cfg.Mode == ModeCustom && len(cfg.DecoyEntries) > 0 {
			decoys = cfg.DecoyEntries
		}
	}
	g.decoy = NewDecoyView(decoys, created, g.now)
}

// equaliseCost runs the real password check so both paths cost the same.
func (g *Gate) equaliseCost() {
	h, err := g.vault.Header()
	if err != nil {
		return
	}
	_ = crypto.VerifyPassword([]byte("x"), h.Salt, h.VerificationHash)
}

// recordTrigger bumps the trigger count in the config and, without an
// injected sink, appends ev to the journal.
func (g *Gate) recordTrigger(f *configFile, keys *duressKeys, ev Event) (*Config, error) {
	configKey, err := f.unwrap(keys.wrap.Bytes(), false)
	if err != nil {
		return nil, err
	}
	defer configKey.Wipe()
	cfg, err := f.open(configKey.Bytes())
	if err != nil {
		return nil, err
	}

	cfg.TriggerCount++
	cfg.LastTriggered = ev.Time
	if err := f.seal(configKey.Bytes(), cfg); err == nil {
		if err := writeConfigFile(g.dir, f); err != nil {
			log.Debug().Err(err).Msg("config write failed")
		}
	}

	if g.sink != nil {
		return cfg, nil
	}
	if j, err := openJournal(g.dir, configKey.Bytes()); err == nil {
		ev.Trigger = cfg.TriggerCount
		appendEvent(j, ev)
		j.close()
	} else {
		log.Debug().Err(err).Msg("journal unavailable")
	}
	return cfg, nil
}

// Setup enables duress mode with password. mode selects the decoys; custom
// mode requires decoys. It is rejected while the gate is latched.
func (g *Gate) Setup(session *vault.Session, password string, mode Mode, decoys []*vault.Entry) error {
	if g.InDuress() {
		return ErrDuressConfigConflict
	}
	if err := vault.ValidateMasterPassword(password); err != nil {
		return err
	}
	switch mode {
	case ModeDecoy:
	case ModeCustom:
		if len(decoys) == 0 {
			return ErrNoDecoys
		}
		for _, d := range decoys {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("duress: invalid decoy: %w", err)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	h, err := g.vault.Header()
	if err != nil {
		return err
	}
	if crypto.VerifyPassword(crypto.NormalizePassword(password), h.Salt, h.VerificationHash) {
		return ErrSamePassword
	}

	indexKey, err := session.IndexKey()
	if err != nil {
		return err
	}
	defer indexKey.Wipe()

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	keys, err := deriveDuressKeys(password, salt)
	if err != nil {
		return err
	}
	defer keys.wipe()
	configKey, err := newConfigKey()
	if err != nil {
		return err
	}
	defer configKey.Wipe()

	cfg := &Config{
		Enabled:      true,
		Mode:         mode,
		PasswordHash: keys.hash,
		Created:      g.now().UTC(),
	}
	if mode == ModeCustom {
		for _, d := range decoys {
			cfg.DecoyEntries = append(cfg.DecoyEntries, d.Clone())
		}
	}

	f := &configFile{Version: formatVersion}
	if f.RealWrap, err = crypto.SealString(indexKey.Bytes(), configKey.Bytes(), []byte(realWrapAAD)); err != nil {
		return err
	}
	if f.DuressWrap, err = crypto.SealString(keys.wrap.Bytes(), configKey.Bytes(), []byte(duressWrapAAD)); err != nil {
		return err
	}
	if err := f.seal(configKey.Bytes(), cfg); err != nil {
		return err
	}

	if err := os.RemoveAll(journalPath(g.dir)); err != nil {
		return fmt.Errorf("duress: failed to reset journal: %w", err)
	}
	// The config is written before the verifier: a verifier without a
	// readable config still latches into the default decoys.
	if err := writeConfigFile(g.dir, f); err != nil {
		session.Audit().Append(audit.OpDuressSetup, "", audit.ResultError)
		return err
	}
	if err := writeVerifier(g.dir, &Verifier{Version: formatVersion, Salt: salt, Hash: keys.hash}); err != nil {
		session.Audit().Append(audit.OpDuressSetup, "", audit.ResultError)
		return err
	}
	session.Audit().Append(audit.OpDuressSetup, "", audit.ResultSuccess)
	return nil
}

// Disable removes the duress password. It is rejected while the gate is
// latched.
func (g *Gate) Disable(session *vault.Session) error {
	if g.InDuress() {
		return ErrDuressConfigConflict
	}
	if session.IsLocked() {
		return vault.ErrVaultLocked
	}
	if !g.Configured() {
		return ErrNotConfigured
	}
	for _, p := range []string{verifierPath(g.dir), configPath(g.dir)} {
		if err := fsutil.RemoveIfExists(p); err != nil {
			session.Audit().Append(audit.OpDuressDisable, "", audit.ResultError)
			return fmt.Errorf("duress: failed to remove %s: %w", p, err)
		}
	}
	if err := os.RemoveAll(journalPath(g.dir)); err != nil {
		log.Warn().Err(err).Msg("failed to remove journal")
	}
	session.Audit().Append(audit.OpDuressDisable, "", audit.ResultSuccess)
	return nil
}

// Report is the real-side view of the duress configuration.
type Report struct {
	Config *Config
	Events []audit.AuditEvent
}

// Status decrypts the configuration and trigger journal with the real
// index key. It is rejected while the gate is latched.
func (g *Gate) Status(session *vault.Session) (*Report, error) {
	if g.InDuress() {
		return nil, ErrDuressConfigConflict
	}
	f, err := readConfigFile(g.dir)
	if err != nil {
		return nil, err
	}
	indexKey, err := session.IndexKey()
	if err != nil {
		return nil, err
	}
	defer indexKey.Wipe()

	configKey, err := f.unwrap(indexKey.Bytes(), true)
	if err != nil {
		return nil, err
	}
	defer configKey.Wipe()
	cfg, err := f.open(configKey.Bytes())
	if err != nil {
		return nil, err
	}

	report := &Report{Config: cfg}
	if fsutil.Exists(journalPath(g.dir)) {
		if j, err := openJournal(g.dir, configKey.Bytes()); err == nil {
			report.Events, _ = j.events(0)
			j.close()
		}
	}
	return report, nil
}

// RekeyHook re-wraps the config key when the master password changes.
// Pass it to vault.Session.ChangePassword.
func (g *Gate) RekeyHook() vault.RekeyHook {
	return func(oldKeys, newKeys *crypto.KeyHierarchy) error {
		f, err := readConfigFile(g.dir)
		if errors.Is(err, ErrNotConfigured) {
			return nil
		}
		if err != nil {
			return err
		}
		configKey, err := f.unwrap(oldKeys.Index.Bytes(), true)
		if err != nil {
			return err
		}
		defer configKey.Wipe()
		if f.RealWrap, err = crypto.SealString(newKeys.Index.Bytes(), configKey.Bytes(), []byte(realWrapAAD)); err != nil {
			return err
		}
		return writeConfigFile(g.dir, f)
	}
}
