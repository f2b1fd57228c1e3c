package twofactor

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/vaultsync/pkg/vault"
)

const testPassword = "correct-horse"

// RFC 6238 appendix B secret, base32 encoded.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestCodeRFCVectors(t *testing.T) {
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tt := range tests {
		got, err := Code(rfcSecret, time.Unix(tt.unix, 0))
		if err != nil {
			t.Fatalf("Code() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("Code(%d) = %s, want %s", tt.unix, got, tt.want)
		}
	}
}

func TestMatchStepSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	code, err := Code(rfcSecret, now)
	if err != nil {
		t.Fatalf("Code() error = %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"same step", now, true},
		{"one step later", now.Add(Step), true},
		{"one step earlier", now.Add(-Step), true},
		{"three steps later", now.Add(3 * Step), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := matchStep(code, rfcSecret, tt.at); ok != tt.want {
				t.Errorf("matchStep() = %v, want %v", ok, tt.want)
			}
		})
	}
	if _, ok := matchStep("12345", rfcSecret, now); ok {
		t.Error("matchStep() accepted a short code")
	}
	if _, ok := matchStep(code, "not base32!", now); ok {
		t.Error("matchStep() accepted an invalid secret")
	}
}

func TestProvisionURI(t *testing.T) {
	uri := ProvisionURI("alice@example.com", "vaultsync", rfcSecret)
	for _, want := range []string{"otpauth://totp/vaultsync:alice@example.com?", "secret=" + rfcSecret, "issuer=vaultsync", "digits=6", "period=30"} {
		if !strings.Contains(uri, want) {
			t.Errorf("ProvisionURI() = %s, missing %s", uri, want)
		}
	}
}

func TestBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(DefaultBackupCodes)
	if err != nil {
		t.Fatalf("GenerateBackupCodes() error = %v", err)
	}
	format := regexp.MustCompile(`^[A-Z2-9]{5}-[A-Z2-9]{5}$`)
	seen := make(map[string]bool)
	for _, c := range codes {
		if !format.MatchString(c) {
			t.Errorf("code %q has wrong format", c)
		}
		if seen[c] {
			t.Errorf("duplicate code %q", c)
		}
		seen[c] = true
	}

	stored, err := HashBackupCode(codes[0])
	if err != nil {
		t.Fatalf("HashBackupCode() error = %v", err)
	}
	if !strings.HasPrefix(stored, "v2$") {
		t.Errorf("stored = %q, want v2$ prefix", stored)
	}
	again, _ := HashBackupCode(codes[0])
	if again == stored {
		t.Error("HashBackupCode() is not salted")
	}

	typed := strings.ToLower(strings.ReplaceAll(codes[0], "-", " "))
	if !matchBackupCode(typed, stored) {
		t.Error("matchBackupCode() rejected a normalised code")
	}
	if matchBackupCode(codes[1], stored) {
		t.Error("matchBackupCode() accepted a different code")
	}
	if matchBackupCode(codes[0], legacyDigest(codes[0])) {
		t.Error("matchBackupCode() accepted a legacy hash")
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func setup(t *testing.T) (*vault.Vault, *vault.Session, *Manager, *fakeClock) {
	t.Helper()
	v := vault.New(filepath.Join(t.TempDir(), "vault"))
	if err := v.Create(testPassword); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s, err := v.Unlock(testPassword)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	t.Cleanup(s.Lock)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return v, s, New(v.Path(), WithClock(clock.now)), clock
}

func TestEnableAndVerify(t *testing.T) {
	v, s, m, clock := setup(t)

	enr, err := m.Enable(s, "alice")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if len(enr.BackupCodes) != DefaultBackupCodes || !strings.Contains(enr.URI, enr.Secret) {
		t.Errorf("enrollment = %+v", enr)
	}
	if _, err := m.Enable(s, "alice"); !errors.Is(err, ErrAlreadyEnabled) {
		t.Errorf("Enable() twice error = %v, want ErrAlreadyEnabled", err)
	}

	raw, err := os.ReadFile(filepath.Join(v.Path(), ConfigFileName))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(raw, []byte(enr.Secret)) {
		t.Error("config file holds the plaintext secret")
	}

	code, _ := Code(enr.Secret, clock.t)
	if method, err := m.Verify(s, code); err != nil || method != MethodTOTP {
		t.Errorf("Verify(totp) = %v, %v", method, err)
	}
	if _, err := m.Verify(s, code); !errors.Is(err, ErrCodeReused) {
		t.Errorf("Verify(replayed totp) error = %v, want ErrCodeReused", err)
	}
	clock.t = clock.t.Add(Step)
	next, _ := Code(enr.Secret, clock.t)
	if _, err := m.Verify(s, next); err != nil {
		t.Errorf("Verify(next step) error = %v", err)
	}

	if method, err := m.Verify(s, enr.BackupCodes[3]); err != nil || method != MethodBackup {
		t.Errorf("Verify(backup) = %v, %v", method, err)
	}
	if _, err := m.Verify(s, enr.BackupCodes[3]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Verify(used backup) error = %v, want ErrInvalidCode", err)
	}
	if _, err := m.Verify(s, "000000"); !errors.Is(err, ErrInvalidCode) && !errors.Is(err, ErrCodeReused) {
		t.Errorf("Verify(wrong) error = %v", err)
	}

	st, err := m.Status(s)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Enabled || st.BackupCodes != DefaultBackupCodes-1 || st.LegacyCodes != 0 {
		t.Errorf("Status() = %+v", st)
	}

	codes, err := m.RegenerateBackupCodes(s)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes() error = %v", err)
	}
	if _, err := m.Verify(s, enr.BackupCodes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Verify(old backup) error = %v, want ErrInvalidCode", err)
	}
	if _, err := m.Verify(s, codes[0]); err != nil {
		t.Errorf("Verify(new backup) error = %v", err)
	}
}

func TestMigrateLegacy(t *testing.T) {
	_, s, m, _ := setup(t)
	if _, err := m.Enable(s, "alice"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	cfg, err := m.load(s)
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	const legacy = "ABCDE-FGHJK"
	cfg.BackupCodes = append(cfg.BackupCodes, legacyDigest(legacy))
	if err := m.save(s, cfg); err != nil {
		t.Fatalf("save() error = %v", err)
	}

	if st, _ := m.Status(s); st.LegacyCodes != 1 {
		t.Errorf("LegacyCodes = %d, want 1", st.LegacyCodes)
	}
	if _, err := m.Verify(s, legacy); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("Verify(legacy) before migration error = %v, want ErrInvalidCode", err)
	}

	n, err := m.MigrateLegacy(s)
	if err != nil || n != 1 {
		t.Fatalf("MigrateLegacy() = %d, %v, want 1", n, err)
	}
	if n, _ := m.MigrateLegacy(s); n != 0 {
		t.Errorf("MigrateLegacy() again = %d, want 0", n)
	}
	if method, err := m.Verify(s, legacy); err != nil || method != MethodBackup {
		t.Errorf("Verify(migrated) = %v, %v", method, err)
	}
}

func TestRekeyHook(t *testing.T) {
	v, s, m, _ := setup(t)
	enr, err := m.Enable(s, "alice")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	const newPassword = "new-master-pass"
	if err := s.ChangePassword(testPassword, newPassword, m.RekeyHook()); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	s.Lock()

	s2, err := v.Unlock(newPassword)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	defer s2.Lock()
	if _, err := m.Verify(s2, enr.BackupCodes[0]); err != nil {
		t.Errorf("Verify() after rekey error = %v", err)
	}
}

func TestDisable(t *testing.T) {
	_, s, m, _ := setup(t)
	if err := m.Disable(s); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("Disable() error = %v, want ErrNotEnabled", err)
	}
	if _, err := m.Enable(s, "alice"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if err := m.Disable(s); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if m.Enabled() {
		t.Error("Enabled() = true after Disable")
	}
	st, err := m.Status(s)
	if err != nil || st.Enabled {
		t.Errorf("Status() = %+v, %v", st, err)
	}
	if _, err := m.Verify(s, "123456"); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("Verify() error = %v, want ErrNotEnabled", err)
	}
}
