package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newKeyedLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	logger := NewLogger(dir)
	if err := logger.SetKey(testKey()); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	t.Cleanup(logger.Close)
	return logger, dir
}

func readRecords(t *testing.T, dir string) []Record {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		t.Fatalf("failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}
	recs, err := readLogFile(files[0])
	if err != nil {
		t.Fatalf("readLogFile() error = %v", err)
	}
	return recs
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if logger.Path() != tmpDir {
		t.Errorf("expected path %s, got %s", tmpDir, logger.Path())
	}
	if logger.prevHash != genesisHash {
		t.Errorf("expected prevHash 'genesis', got %s", logger.prevHash)
	}
	if logger.sessionID == "" {
		t.Error("expected non-empty sessionID")
	}
}

func TestLogWithoutKey(t *testing.T) {
	logger := NewLogger(t.TempDir())

	err := logger.LogSuccess(OpEntryGet, SourceCLI, "entry-1")
	if !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("LogSuccess() error = %v, want %v", err, ErrKeyNotSet)
	}
	if _, err := logger.Verify(); !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("Verify() error = %v, want %v", err, ErrKeyNotSet)
	}
}

func TestAppendAfterClose(t *testing.T) {
	logger, _ := newKeyedLogger(t)
	logger.Close()

	// Append swallows the error; it must not panic on the wiped keys.
	logger.Append(OpTransferUpload, "entry-1", ResultSuccess)
	if err := logger.LogSuccess(OpEntryGet, SourceCLI, "entry-1"); !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("LogSuccess() after Close() error = %v, want %v", err, ErrKeyNotSet)
	}
}

func TestRecordsAreSealed(t *testing.T) {
	logger, dir := newKeyedLogger(t)

	if err := logger.LogSuccess(OpEntryAdd, SourceCLI, "github-entry"); err != nil {
		t.Fatalf("LogSuccess() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().UTC().Format("2006-01")+".jsonl"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, leak := range []string{"github-entry", OpEntryAdd, SourceCLI} {
		if strings.Contains(string(data), leak) {
			t.Errorf("log file contains plaintext %q", leak)
		}
	}

	recs := readRecords(t, dir)
	if recs[0].Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", recs[0].Sequence)
	}
	if recs[0].PrevHash != genesisHash {
		t.Errorf("expected prevHash 'genesis', got %s", recs[0].PrevHash)
	}
}

func TestListEvents(t *testing.T) {
	logger, _ := newKeyedLogger(t)

	ops := []string{OpVaultUnlock, OpEntryAdd, OpEntryGet, OpVaultLock}
	for _, op := range ops {
		if err := logger.LogSuccess(op, SourceCLI, "e1"); err != nil {
			t.Fatalf("LogSuccess() error = %v", err)
		}
	}
	if err := logger.LogError(OpSyncRun, SourceSync, "", "NETWORK", "timeout"); err != nil {
		t.Fatalf("LogError() error = %v", err)
	}

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("ListEvents() returned %d events, want 5", len(events))
	}
	for i, op := range ops {
		if events[i].Operation != op {
			t.Errorf("events[%d].Operation = %s, want %s", i, events[i].Operation, op)
		}
		if events[i].Sequence != int64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, events[i].Sequence, i+1)
		}
	}
	last := events[4]
	if last.Result != ResultError || last.Error == nil || last.Error.Code != "NETWORK" {
		t.Errorf("last event = %+v, want error NETWORK", last)
	}

	limited, err := logger.ListEvents(2, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(limited) != 2 || limited[1].Operation != OpSyncRun {
		t.Errorf("ListEvents(2) = %+v, want the two most recent events", limited)
	}

	future, err := logger.ListEvents(0, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(future) != 0 {
		t.Errorf("ListEvents(since future) returned %d events, want 0", len(future))
	}
}

func TestChainPersistence(t *testing.T) {
	dir := t.TempDir()

	first := NewLogger(dir)
	if err := first.SetKey(testKey()); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := first.LogSuccess(OpEntryGet, SourceCLI, "k"); err != nil {
			t.Fatalf("LogSuccess() error = %v", err)
		}
	}
	first.Close()

	second := NewLogger(dir)
	if err := second.SetKey(testKey()); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	defer second.Close()
	if second.sequence != 3 {
		t.Errorf("expected sequence 3 after reload, got %d", second.sequence)
	}
	if err := second.LogSuccess(OpEntryGet, SourceCLI, "k"); err != nil {
		t.Fatalf("LogSuccess() error = %v", err)
	}

	result, err := second.Verify()
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.RecordsTotal != 4 {
		t.Errorf("Verify() = %+v, want 4 valid records", result)
	}
}

func TestAppendSwallowsErrors(t *testing.T) {
	logger := NewLogger(t.TempDir())
	// No key: Append must not panic or surface anything.
	logger.Append(OpDuressTrigger, "", ResultSuccess)

	var sink Sink = Discard
	sink.Append(OpEntryAdd, "x", ResultSuccess)
}

func TestAppendUsesSource(t *testing.T) {
	logger, _ := newKeyedLogger(t)
	logger.SetSource(SourceMCP)
	logger.Append(OpEntryList, "", ResultSuccess)

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Source != SourceMCP {
		t.Errorf("events = %+v, want one mcp event", events)
	}
}

func TestVerifyEmptyLog(t *testing.T) {
	logger, _ := newKeyedLogger(t)

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.RecordsTotal != 0 {
		t.Errorf("Verify() = %+v, want empty valid result", result)
	}
}

func TestTamperingDetection(t *testing.T) {
	rewrite := func(t *testing.T, dir string, mutate func([]Record) []Record) {
		t.Helper()
		files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		recs := readRecords(t, dir)
		recs = mutate(recs)
		var out []byte
		for _, r := range recs {
			line, err := json.Marshal(r)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			out = append(out, line...)
			out = append(out, '\n')
		}
		if err := os.WriteFile(files[0], out, 0600); err != nil {
			t.Fatalf("failed to write tampered log: %v", err)
		}
	}

	tests := []struct {
		name   string
		mutate func([]Record) []Record
	}{
		{
			name: "modified ciphertext",
			mutate: func(r []Record) []Record {
				b := []byte(r[1].Data)
				if b[10] == 'A' {
					b[10] = 'B'
				} else {
					b[10] = 'A'
				}
				r[1].Data = string(b)
				return r
			},
		},
		{
			name: "deleted record",
			mutate: func(r []Record) []Record {
				return append(r[:1], r[2:]...)
			},
		},
		{
			name: "reordered records",
			mutate: func(r []Record) []Record {
				r[0], r[1] = r[1], r[0]
				return r
			},
		},
		{
			name: "forged hmac",
			mutate: func(r []Record) []Record {
				r[2].HMAC = strings.Repeat("0", 64)
				return r
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, dir := newKeyedLogger(t)
			for i := 0; i < 3; i++ {
				if err := logger.LogSuccess(OpEntryGet, SourceCLI, "k"); err != nil {
					t.Fatalf("LogSuccess() error = %v", err)
				}
			}

			rewrite(t, dir, tt.mutate)

			result, err := logger.Verify()
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if result.Valid {
				t.Error("expected tampering to be detected")
			}
		})
	}
}

func TestWrongKeyCannotRead(t *testing.T) {
	dir := t.TempDir()
	logger := NewLogger(dir)
	if err := logger.SetKey(testKey()); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	if err := logger.LogSuccess(OpEntryAdd, SourceCLI, "secret-id"); err != nil {
		t.Fatalf("LogSuccess() error = %v", err)
	}
	logger.Close()

	other := NewLogger(dir)
	if err := other.SetKey(make([]byte, 32)); err != nil {
		t.Fatalf("SetKey() error = %v", err)
	}
	defer other.Close()

	events, err := other.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("ListEvents() with wrong key returned %d events, want 0", len(events))
	}
	result, err := other.Verify()
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid {
		t.Error("Verify() with wrong key reported valid chain")
	}
}

func TestGenerateULID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateULID()
		if len(id) != 32 {
			t.Errorf("expected ULID length 32, got %d", len(id))
		}
		if seen[id] {
			t.Errorf("duplicate ULID generated: %s", id)
		}
		seen[id] = true
	}
}
