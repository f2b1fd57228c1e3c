package duress

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest6511/vaultsync/internal/fsutil"
	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/remote"
	"github.com/forest6511/vaultsync/pkg/vault"
)

const (
	realPassword   = "correct-horse"
	duressPassword = "battery-staple"
)

func setupVault(t *testing.T) (*vault.Vault, *vault.Session) {
	t.Helper()
	v := vault.New(filepath.Join(t.TempDir(), "vault"))
	if err := v.Create(realPassword); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	s, err := v.Unlock(realPassword)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	t.Cleanup(s.Lock)
	return v, s
}

func setupDuress(t *testing.T, mode Mode, decoys []*vault.Entry) (*vault.Vault, *vault.Session, string) {
	t.Helper()
	v, s := setupVault(t)
	real, err := s.AddEntry(vault.NewPasswordEntry("Bank", vault.PasswordData{Username: "me", Password: "real-secret"}))
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	if err := NewGate(v).Setup(s, duressPassword, mode, decoys); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	return v, s, real.ID
}

func titles(t *testing.T, view View) map[string]bool {
	t.Helper()
	list, err := view.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	out := make(map[string]bool)
	for _, e := range list {
		out[e.Title] = true
	}
	return out
}

func TestDuressUnlockServesDecoys(t *testing.T) {
	v, s, realID := setupDuress(t, ModeDecoy, nil)
	s.Lock()

	g := NewGate(v)
	outcome, view, err := g.Unlock(duressPassword)
	if err != nil || outcome != DuressUnlock {
		t.Fatalf("Unlock(duress) = %v, %v", outcome, err)
	}
	if _, ok := view.(*DecoyView); !ok {
		t.Fatalf("view = %T, want *DecoyView", view)
	}

	got := titles(t, view)
	if len(got) != len(DefaultDecoys()) || got["Bank"] {
		t.Errorf("decoy titles = %v", got)
	}
	if _, err := view.Get(realID); !errors.Is(err, vault.ErrEntryNotFound) {
		t.Errorf("Get(real id) error = %v, want ErrEntryNotFound", err)
	}
	if ok, _ := view.Exists(realID); ok {
		t.Error("Exists(real id) = true")
	}

	added, err := view.Add(vault.NewNoteEntry("new", "body"))
	if err != nil || added.ID == "" {
		t.Fatalf("Add() = %+v, %v", added, err)
	}
	list, _ := view.List()
	if err := view.Delete(list[0].ID); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if after := titles(t, view); len(after) != len(DefaultDecoys()) {
		t.Errorf("writes changed decoys: %v", after)
	}

	stats, err := view.Status()
	if err != nil || stats.EntryCount != len(DefaultDecoys()) {
		t.Errorf("Status() = %+v, %v", stats, err)
	}
	events, err := view.Audit(10)
	if err != nil || len(events) != 0 {
		t.Errorf("Audit() = %v, %v", events, err)
	}

	// Latched: nothing reaches the real vault any more.
	for _, pw := range []string{realPassword, "wrong-password"} {
		outcome, view, err := g.Unlock(pw)
		if err != nil || outcome != DuressUnlock {
			t.Errorf("Unlock(%q) after duress = %v, %v", pw, outcome, err)
		}
		if _, ok := view.(*DecoyView); !ok {
			t.Errorf("Unlock(%q) view = %T", pw, view)
		}
	}
	if state, _ := v.GetLockState(); state != nil && state.FailedAttempts != 0 {
		t.Errorf("failed attempts = %d, want 0", state.FailedAttempts)
	}
}

func TestDuressRejectsConfigChanges(t *testing.T) {
	v, s, _ := setupDuress(t, ModeDecoy, nil)

	g := NewGate(v)
	if _, _, err := g.Unlock(duressPassword); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if !g.InDuress() {
		t.Fatal("InDuress() = false")
	}
	if err := g.Disable(s); !errors.Is(err, ErrDuressConfigConflict) {
		t.Errorf("Disable() error = %v, want ErrDuressConfigConflict", err)
	}
	if err := g.Setup(s, "another-password", ModeDecoy, nil); !errors.Is(err, ErrDuressConfigConflict) {
		t.Errorf("Setup() error = %v, want ErrDuressConfigConflict", err)
	}
	if _, err := g.Status(s); !errors.Is(err, ErrDuressConfigConflict) {
		t.Errorf("Status() error = %v, want ErrDuressConfigConflict", err)
	}
	if err := g.Backup(context.Background(), remote.NewMemStore()); !errors.Is(err, ErrDuressConfigConflict) {
		t.Errorf("Backup() error = %v, want ErrDuressConfigConflict", err)
	}
	if !g.Configured() {
		t.Error("duress configuration removed")
	}
}

func TestRealUnlockThroughGate(t *testing.T) {
	v, s, realID := setupDuress(t, ModeDecoy, nil)
	s.Lock()

	g := NewGate(v)
	outcome, _, err := g.Unlock("wrong-password")
	if outcome != Failed || !errors.Is(err, vault.ErrInvalidPassword) {
		t.Errorf("Unlock(wrong) = %v, %v", outcome, err)
	}

	outcome, view, err := g.Unlock(realPassword)
	if err != nil || outcome != RealUnlock {
		t.Fatalf("Unlock(real) = %v, %v", outcome, err)
	}
	defer view.Lock()
	if _, ok := view.(*RealView); !ok {
		t.Fatalf("view = %T, want *RealView", view)
	}
	e, err := view.Get(realID)
	if err != nil || e.Password.Password != "real-secret" {
		t.Errorf("Get() = %+v, %v", e, err)
	}
	if g.InDuress() {
		t.Error("InDuress() = true after real unlock")
	}
	events, err := view.Audit(0)
	if err != nil || len(events) == 0 {
		t.Errorf("Audit() = %d events, %v", len(events), err)
	}
}

func TestTriggerIsRecorded(t *testing.T) {
	v, s, _ := setupDuress(t, ModeDecoy, nil)
	s.Lock()

	if _, _, err := NewGate(v).Unlock(duressPassword); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	g := NewGate(v)
	_, view, err := g.Unlock(realPassword)
	if err != nil {
		t.Fatalf("Unlock(real) error = %v", err)
	}
	defer view.Lock()
	report, err := g.Status(view.(*RealView).Session())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.Config.TriggerCount != 1 || report.Config.LastTriggered.IsZero() {
		t.Errorf("config = %+v", report.Config)
	}
	if len(report.Events) != 1 || report.Events[0].Operation != audit.OpDuressTrigger {
		t.Errorf("events = %+v", report.Events)
	}
}

func TestCustomDecoys(t *testing.T) {
	decoy := vault.NewNoteEntry("Shopping list", "milk, eggs")
	v, s, _ := setupDuress(t, ModeCustom, []*vault.Entry{decoy})
	s.Lock()

	for _, name := range []string{ConfigFileName, VerifierFileName} {
		data, err := os.ReadFile(filepath.Join(v.Path(), name))
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		if bytes.Contains(data, []byte("Shopping list")) {
			t.Errorf("%s holds decoy plaintext", name)
		}
	}

	_, view, err := NewGate(v).Unlock(duressPassword)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	got := titles(t, view)
	if len(got) != 1 || !got["Shopping list"] {
		t.Errorf("custom decoys = %v", got)
	}
}

func TestSetupValidation(t *testing.T) {
	v, s := setupVault(t)
	g := NewGate(v)

	tests := []struct {
		name     string
		password string
		mode     Mode
		decoys   []*vault.Entry
		want     error
	}{
		{"same as master", realPassword, ModeDecoy, nil, ErrSamePassword},
		{"too short", "short", ModeDecoy, nil, vault.ErrPasswordTooShort},
		{"custom without decoys", duressPassword, ModeCustom, nil, ErrNoDecoys},
		{"unknown mode", duressPassword, Mode("loud"), nil, ErrInvalidMode},
		{"invalid decoy", duressPassword, ModeCustom, []*vault.Entry{vault.NewNoteEntry("", "x")}, vault.ErrTitleEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Setup(s, tt.password, tt.mode, tt.decoys); !errors.Is(err, tt.want) {
				t.Errorf("Setup() error = %v, want %v", err, tt.want)
			}
		})
	}
	if g.Configured() {
		t.Error("Configured() = true after rejected setups")
	}
}

func TestDisable(t *testing.T) {
	v, s, _ := setupDuress(t, ModeDecoy, nil)
	g := NewGate(v)
	if err := g.Disable(s); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if g.Configured() {
		t.Error("Configured() = true after Disable")
	}
	if err := g.Disable(s); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Disable() twice error = %v, want ErrNotConfigured", err)
	}

	outcome, _, err := NewGate(v).Unlock(duressPassword)
	if outcome != Failed || !errors.Is(err, vault.ErrInvalidPassword) {
		t.Errorf("Unlock(old duress) = %v, %v", outcome, err)
	}
}

func TestVerifier(t *testing.T) {
	v, _, _ := setupDuress(t, ModeDecoy, nil)
	ver, err := LoadVerifier(v.Path())
	if err != nil {
		t.Fatalf("LoadVerifier() error = %v", err)
	}
	if !ver.Verify(duressPassword) {
		t.Error("Verify(duress) = false")
	}
	if ver.Verify(realPassword) {
		t.Error("Verify(real) = true")
	}
	if _, err := LoadVerifier(t.TempDir()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("LoadVerifier(empty) error = %v, want ErrNotConfigured", err)
	}
}

func TestUnreadableConfigStillLatches(t *testing.T) {
	v, s, _ := setupDuress(t, ModeCustom, []*vault.Entry{vault.NewNoteEntry("Custom", "x")})
	s.Lock()
	if err := os.WriteFile(filepath.Join(v.Path(), ConfigFileName), []byte("{}"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	outcome, view, err := NewGate(v).Unlock(duressPassword)
	if err != nil || outcome != DuressUnlock {
		t.Fatalf("Unlock() = %v, %v", outcome, err)
	}
	if got := titles(t, view); len(got) != len(DefaultDecoys()) {
		t.Errorf("fallback decoys = %v", got)
	}
}

type recordingSink struct {
	events []Event
	panics bool
}

func (r *recordingSink) Append(ev Event) {
	r.events = append(r.events, ev)
	if r.panics {
		panic("sink unavailable")
	}
}

func TestForensicSink(t *testing.T) {
	tests := []struct {
		name   string
		panics bool
	}{
		{"recording", false},
		{"panicking", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, s, _ := setupDuress(t, ModeDecoy, nil)
			s.Lock()

			sink := &recordingSink{panics: tt.panics}
			outcome, view, err := NewGate(v, WithForensicSink(sink), WithSource(audit.SourceMCP)).Unlock(duressPassword)
			if err != nil || outcome != DuressUnlock {
				t.Fatalf("Unlock(duress) = %v, %v", outcome, err)
			}
			if got := titles(t, view); len(got) != len(DefaultDecoys()) {
				t.Errorf("decoys = %v", got)
			}
			if len(sink.events) != 1 {
				t.Fatalf("sink got %d events, want 1", len(sink.events))
			}
			if ev := sink.events[0]; ev.Trigger != 1 || ev.Source != audit.SourceMCP || ev.Time.IsZero() {
				t.Errorf("event = %+v", ev)
			}
			if fsutil.Exists(filepath.Join(v.Path(), JournalDirName)) {
				t.Error("journal written although a sink was injected")
			}
		})
	}
}

func TestUnwritableJournalAndConfigStillLatch(t *testing.T) {
	decoys := []*vault.Entry{vault.NewNoteEntry("Custom", "x")}
	v, s, _ := setupDuress(t, ModeCustom, decoys)
	s.Lock()

	// A plain file where the journal directory belongs makes every append fail.
	journal := filepath.Join(v.Path(), JournalDirName)
	if err := os.RemoveAll(journal); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(journal, []byte("x"), 0400); err != nil {
		t.Fatal(err)
	}
	// Read-only directory: the atomic config rewrite cannot create its temp file.
	if err := os.Chmod(v.Path(), 0500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(v.Path(), 0700) })

	outcome, view, err := NewGate(v).Unlock(duressPassword)
	if err != nil || outcome != DuressUnlock {
		t.Fatalf("Unlock(duress) = %v, %v", outcome, err)
	}
	if got := titles(t, view); !got["Custom"] || len(got) != 1 {
		t.Errorf("decoys = %v, want the custom set", got)
	}
}

func TestRekeyHookKeepsConfigReadable(t *testing.T) {
	v, s, _ := setupDuress(t, ModeDecoy, nil)
	g := NewGate(v)
	const newPassword = "new-master-pass"
	if err := s.ChangePassword(realPassword, newPassword, g.RekeyHook()); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := g.Status(s); err != nil {
		t.Errorf("Status() after password change error = %v", err)
	}
	s.Lock()

	s2, err := v.Unlock(newPassword)
	if err != nil {
		t.Fatalf("Unlock(new) error = %v", err)
	}
	defer s2.Lock()
	if _, err := g.Status(s2); err != nil {
		t.Errorf("Status() with new session error = %v", err)
	}
	if outcome, _, _ := NewGate(v).Unlock(duressPassword); outcome != DuressUnlock {
		t.Errorf("Unlock(duress) after rekey = %v", outcome)
	}
}

func TestBackupRestore(t *testing.T) {
	v, s, _ := setupDuress(t, ModeDecoy, nil)
	store := remote.NewMemStore()
	ctx := context.Background()
	if err := NewGate(v).Backup(ctx, store); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	hdr, err := v.Header()
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	other := vault.New(filepath.Join(t.TempDir(), "other"))
	if err := other.Join(realPassword, hdr); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	g := NewGate(other)
	if err := g.Restore(ctx, store); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	s2, err := other.Unlock(realPassword)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	defer s2.Lock()
	if _, err := g.Status(s2); err != nil {
		t.Errorf("Status() on restored device error = %v", err)
	}
	s.Lock()

	if outcome, _, _ := NewGate(other).Unlock(duressPassword); outcome != DuressUnlock {
		t.Errorf("Unlock(duress) on restored device = %v", outcome)
	}
	if err := NewGate(vault.New(t.TempDir())).Restore(ctx, remote.NewMemStore()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Restore(empty) error = %v, want ErrNotConfigured", err)
	}
}
