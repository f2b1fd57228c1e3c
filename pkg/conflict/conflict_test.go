package conflict

import (
	"testing"

	"github.com/forest6511/vaultsync/pkg/syncstate"
	"github.com/forest6511/vaultsync/pkg/vault"
)

func pw(id, title, secret string, modified int64) *vault.Entry {
	e := vault.NewPasswordEntry(title, vault.PasswordData{Username: "a@b.com", Password: secret})
	e.ID = id
	e.Created = 1
	e.Modified = modified
	return e
}

func note(id, title string, modified int64) *vault.Entry {
	e := vault.NewNoteEntry(title, "body")
	e.ID = id
	e.Created = 1
	e.Modified = modified
	return e
}

func stateOf(e *vault.Entry, syncedAt int64) syncstate.State {
	return syncstate.State{
		EntryID:       e.ID,
		LocalVersion:  e.Modified,
		RemoteVersion: e.Modified,
		LastSyncedAt:  syncedAt,
		Checksum:      Checksum(e),
	}
}

func entries(es ...*vault.Entry) map[string]*vault.Entry {
	m := make(map[string]*vault.Entry)
	for _, e := range es {
		m[e.ID] = e
	}
	return m
}

func TestChecksum(t *testing.T) {
	base := pw("e1", "GitHub", "p1", 100)
	if Checksum(base) != Checksum(base.Clone()) {
		t.Error("Checksum() differs for identical entries")
	}

	changes := map[string]func(e *vault.Entry){
		"title":    func(e *vault.Entry) { e.Title = "GitLab" },
		"password": func(e *vault.Entry) { e.Password.Password = "p2" },
		"username": func(e *vault.Entry) { e.Password.Username = "c@d.com" },
		"modified": func(e *vault.Entry) { e.Modified++ },
	}
	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			c := base.Clone()
			change(c)
			if Checksum(c) == Checksum(base) {
				t.Errorf("Checksum() unchanged after %s change", name)
			}
		})
	}

	// Field boundaries are unambiguous.
	a := pw("e1", "ab", "c", 1)
	b := pw("e1", "a", "bc", 1)
	b.Password.Username = a.Password.Username
	if Checksum(a) == Checksum(b) {
		t.Error("Checksum() collides across field boundaries")
	}
}

func TestDetect(t *testing.T) {
	const lastSync = 1000
	synced := pw("e1", "GitHub", "p1", 900)
	st := map[string]syncstate.State{"e1": stateOf(synced, lastSync)}

	localEdit := pw("e1", "GitHub", "local", 1100)
	remoteEdit := pw("e1", "GitHub", "remote", 1200)

	tests := []struct {
		name   string
		local  map[string]*vault.Entry
		remote map[string]*vault.Entry
		states map[string]syncstate.State
		want   []Kind
	}{
		{"both edited", entries(localEdit), entries(remoteEdit), st, []Kind{ModifiedBoth}},
		{"identical", entries(localEdit), entries(localEdit.Clone()), st, nil},
		{"only local edited", entries(localEdit), entries(synced), st, nil},
		{"only remote edited", entries(synced), entries(remoteEdit), st, nil},
		{"new local", entries(pw("e2", "New", "x", 5)), nil, nil, nil},
		{"new remote", nil, entries(pw("e2", "New", "x", 5)), nil, nil},
		{"remote deleted after local edit", entries(localEdit), nil, st, []Kind{DeletedRemote}},
		{"remote deleted, local untouched", entries(synced), nil, st, nil},
		{"local deleted after remote edit", nil, entries(remoteEdit), st, []Kind{DeletedLocal}},
		{"local deleted, remote untouched", nil, entries(synced), st, nil},
		{"created on both", entries(pw("e1", "A", "x", 5)), entries(pw("e1", "A", "y", 6)), nil, []Kind{CreatedBoth}},
		{"kind changed", entries(localEdit), entries(note("e1", "GitHub", 1200)), st, []Kind{SchemaMismatch}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.local, tt.remote, tt.states)
			if len(got) != len(tt.want) {
				t.Fatalf("Detect() = %d conflicts, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Kind != tt.want[i] {
					t.Errorf("Detect()[%d].Kind = %s, want %s", i, got[i].Kind, tt.want[i])
				}
				if got[i].State == nil && tt.states != nil {
					t.Errorf("Detect()[%d].State = nil", i)
				}
			}
		})
	}
}

func TestDetectWithoutChecksumUsesTimestamps(t *testing.T) {
	st := map[string]syncstate.State{"e1": {EntryID: "e1", LastSyncedAt: 1000}}
	got := Detect(entries(pw("e1", "A", "l", 1100)), entries(pw("e1", "A", "r", 1200)), st)
	if len(got) != 1 || got[0].Kind != ModifiedBoth {
		t.Errorf("Detect() = %+v, want one modified_both", got)
	}
}

func TestPlanSteps(t *testing.T) {
	synced := pw("e1", "GitHub", "p1", 900)
	gone := pw("e9", "Gone", "x", 10)
	states := map[string]syncstate.State{
		"e1": stateOf(synced, 1000),
		"e3": stateOf(pw("e3", "Old", "x", 10), 1000),
		"e9": stateOf(gone, 1000),
	}
	local := entries(pw("e1", "GitHub", "local", 1100), pw("e2", "New", "x", 5), pw("e3", "Old", "x", 10))
	remote := entries(synced, pw("e4", "Remote", "x", 5))

	plan := Plan(local, remote, states)
	if len(plan.Conflicts) != 0 {
		t.Fatalf("Plan() conflicts = %+v", plan.Conflicts)
	}
	want := map[string]Action{
		"e1": ActionPush,
		"e2": ActionPush,
		"e3": ActionDeleteLocal,
		"e4": ActionPull,
		"e9": ActionForget,
	}
	if len(plan.Steps) != len(want) {
		t.Fatalf("Plan() steps = %+v", plan.Steps)
	}
	for _, s := range plan.Steps {
		if want[s.EntryID] != s.Action {
			t.Errorf("step %s = %s, want %s", s.EntryID, s.Action, want[s.EntryID])
		}
	}
}

func TestPlanAdopt(t *testing.T) {
	e := pw("e1", "A", "x", 5)
	plan := Plan(entries(e), entries(e.Clone()), nil)
	if len(plan.Steps) != 1 || plan.Steps[0].Action != ActionAdopt {
		t.Errorf("Plan() steps = %+v, want adopt", plan.Steps)
	}

	plan = Plan(entries(e), entries(e.Clone()), map[string]syncstate.State{"e1": stateOf(e, 10)})
	if len(plan.Steps) != 0 || len(plan.Conflicts) != 0 {
		t.Errorf("Plan() in sync = %+v", plan)
	}
}
