package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/vaultsync/pkg/config"
	"github.com/forest6511/vaultsync/pkg/duress"
	"github.com/forest6511/vaultsync/pkg/vault"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"90m", 30 * 90 * 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"1y", 365 * 24 * time.Hour, false},
		{"30s", 30 * time.Second, false},
		{"d", 0, true},
		{"xd", 0, true},
		{"12q", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadDecoys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decoys.yaml")
	data := `
- title: Email
  username: me@example.com
  password: hunter22
  url: https://mail.example.com
- kind: note
  title: Wifi
  body: guest network
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	entries, err := loadDecoys(path)
	if err != nil {
		t.Fatalf("loadDecoys() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("loadDecoys() returned %d entries, want 2", len(entries))
	}
	if entries[0].Kind != vault.KindPassword || entries[0].Password.Username != "me@example.com" {
		t.Errorf("entries[0] = %+v, want password entry for me@example.com", entries[0])
	}
	if entries[1].Kind != vault.KindNote || entries[1].Note.Body != "guest network" {
		t.Errorf("entries[1] = %+v, want note entry", entries[1])
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			t.Errorf("Validate(%s) error = %v", e.Title, err)
		}
	}

	if err := os.WriteFile(path, []byte("- kind: file\n  title: x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadDecoys(path); !errors.Is(err, vault.ErrKindInvalid) {
		t.Errorf("loadDecoys(file kind) error = %v, want %v", err, vault.ErrKindInvalid)
	}
}

func TestMask(t *testing.T) {
	if got := mask(""); got != "" {
		t.Errorf("mask(\"\") = %q, want empty", got)
	}
	if got := mask("secret"); got != "********" {
		t.Errorf("mask(secret) = %q, want ********", got)
	}
}

func setupCLI(t *testing.T) (duress.View, string) {
	t.Helper()
	dir := t.TempDir()
	cfg = config.Default()
	cfg.VaultDir = dir
	cfg.Transfer.ChunkSizeMiB = 1
	v = vault.New(dir)
	if err := v.Create("correct-horse"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, view, err := duress.NewGate(v).Unlock("correct-horse")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	t.Cleanup(view.Lock)

	src := filepath.Join(t.TempDir(), "scan.pdf")
	if err := os.WriteFile(src, make([]byte, 3*1024*1024+5), 0600); err != nil {
		t.Fatal(err)
	}
	return view, src
}

func TestAddFile(t *testing.T) {
	view, src := setupCLI(t)
	entryTitle = "Passport scan"
	defer func() { entryTitle = "" }()

	e, err := addFile(view, src)
	if err != nil {
		t.Fatalf("addFile() error = %v", err)
	}
	if e.Title != "Passport scan" {
		t.Errorf("Title = %q, want %q", e.Title, "Passport scan")
	}
	if e.File.ChunkCount != 4 {
		t.Errorf("ChunkCount = %d, want 4", e.File.ChunkCount)
	}

	got, err := resolveEntry(view, "passport*")
	if err != nil {
		t.Fatalf("resolveEntry() error = %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("resolveEntry() = %s, want %s", got.ID, e.ID)
	}

	out := filepath.Join(t.TempDir(), "out.pdf")
	if err := exportFile(nil, view, got, out); err != nil {
		t.Fatalf("exportFile() error = %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != e.File.Size {
		t.Errorf("exported size = %d, want %d", info.Size(), e.File.Size)
	}
}

func TestAddFileDecoy(t *testing.T) {
	real, src := setupCLI(t)
	decoy := duress.NewDecoyView(duress.DefaultDecoys(), time.Now(), time.Now)

	e, err := addFile(decoy, src)
	if err != nil {
		t.Fatalf("addFile(decoy) error = %v", err)
	}
	if e.Title != "scan.pdf" || e.File.ChunkCount != 4 {
		t.Errorf("addFile(decoy) = %s with %d chunks, want scan.pdf with 4", e.Title, e.File.ChunkCount)
	}
	if _, err := realSession(decoy); !errors.Is(err, errDecoy) {
		t.Errorf("realSession(decoy) error = %v, want %v", err, errDecoy)
	}

	entries, err := real.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("real vault has %d entries after decoy add, want 0", len(entries))
	}
}
