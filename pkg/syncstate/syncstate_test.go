package syncstate

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	want := State{EntryID: "e1", LocalVersion: 10, RemoteVersion: 11, LastSyncedAt: 12, Checksum: "abc"}
	if err := s.Put(want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok, err := s.Get("e1")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}

	want.Checksum = "def"
	want.LastSyncedAt = 20
	if err := s.Put(want); err != nil {
		t.Fatalf("Put() update error = %v", err)
	}
	if got, _, _ := s.Get("e1"); got != want {
		t.Errorf("Get() after update = %+v, want %+v", got, want)
	}

	if err := s.Delete("e1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("e1"); err != nil {
		t.Errorf("Delete() twice error = %v", err)
	}
	if _, ok, _ := s.Get("e1"); ok {
		t.Error("state still present after Delete()")
	}
}

func TestPutRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(State{}); err == nil {
		t.Error("Put() without id error = nil")
	}
}

func TestAll(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"b", "a", "c"} {
		if err := s.Put(State{EntryID: id, Checksum: id}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	ids := IDs(all)
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestResolutions(t *testing.T) {
	s := openTestStore(t)
	for i, strategy := range []string{"keep_local", "skip", "keep_both"} {
		r := Resolution{EntryID: "e1", Conflict: "modified_both", Strategy: strategy, ResolvedAt: int64(i)}
		if err := s.AppendResolution(r); err != nil {
			t.Fatalf("AppendResolution() error = %v", err)
		}
	}

	all, err := s.Resolutions(0)
	if err != nil {
		t.Fatalf("Resolutions() error = %v", err)
	}
	if len(all) != 3 || all[0].Strategy != "keep_both" {
		t.Errorf("Resolutions(0) = %+v", all)
	}
	last, _ := s.Resolutions(1)
	if len(last) != 1 || last[0].Strategy != "keep_both" {
		t.Errorf("Resolutions(1) = %+v", last)
	}
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Put(State{EntryID: "e1", Checksum: "x"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Open() again error = %v", err)
	}
	defer s.Close()
	if _, ok, _ := s.Get("e1"); !ok {
		t.Error("state lost after reopen")
	}
}
