package duress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// View is what a caller sees after unlock. Every read and write goes
// through it so callers never need to know which vault they hold.
type View interface {
	List() ([]vault.EntrySummary, error)
	Get(id string) (*vault.Entry, error)
	Exists(id string) (bool, error)
	Add(e *vault.Entry) (*vault.Entry, error)
	Update(e *vault.Entry) (*vault.Entry, error)
	Delete(id string) error
	Status() (*vault.Stats, error)
	Audit(limit int) ([]audit.AuditEvent, error)
	Lock()
}

// RealView serves the real vault.
type RealView struct {
	session *vault.Session
}

// NewRealView wraps an unlocked session.
func NewRealView(s *vault.Session) *RealView { return &RealView{session: s} }

// Session returns the underlying session.
func (v *RealView) Session() *vault.Session { return v.session }

func (v *RealView) List() ([]vault.EntrySummary, error)         { return v.session.ListEntries() }
func (v *RealView) Get(id string) (*vault.Entry, error)         { return v.session.GetEntry(id) }
func (v *RealView) Exists(id string) (bool, error)              { return v.session.HasEntry(id) }
func (v *RealView) Add(e *vault.Entry) (*vault.Entry, error)    { return v.session.AddEntry(e) }
func (v *RealView) Update(e *vault.Entry) (*vault.Entry, error) { return v.session.UpdateEntry(e) }
func (v *RealView) Delete(id string) error                      { return v.session.DeleteEntry(id) }
func (v *RealView) Status() (*vault.Stats, error)               { return v.session.Stats() }
func (v *RealView) Lock()                                       { v.session.Lock() }

// Audit returns the most recent audit events.
func (v *RealView) Audit(limit int) ([]audit.AuditEvent, error) {
	logger, err := v.session.AuditLogger()
	if err != nil {
		return nil, err
	}
	return logger.ListEvents(limit, time.Time{})
}

// DecoyView serves a fixed set of decoy entries. Writes report success and
// change nothing.
type DecoyView struct {
	mu      sync.Mutex
	entries map[string]*vault.Entry
	created time.Time
	now     func() time.Time
}

// NewDecoyView builds a view over copies of decoys. Entries without ids
// get fresh ones; missing timestamps are spread over the past weeks.
func NewDecoyView(decoys []*vault.Entry, created time.Time, now func() time.Time) *DecoyView {
	if now == nil {
		now = time.Now
	}
	if created.IsZero() {
		created = now().Add(-90 * 24 * time.Hour)
	}
	v := &DecoyView{entries: make(map[string]*vault.Entry, len(decoys)), created: created, now: now}
	for i, d := range decoys {
		e := d.Clone()
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Modified == 0 {
			e.Modified = created.Add(time.Duration(i+1) * 97 * time.Hour).UnixMilli()
		}
		if e.Created == 0 {
			e.Created = e.Modified
		}
		v.entries[e.ID] = e
	}
	return v
}

func (v *DecoyView) List() ([]vault.EntrySummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]vault.EntrySummary, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, vault.EntrySummary{
			ID:       e.ID,
			Kind:     e.Kind,
			Title:    e.Title,
			Modified: e.Modified,
			Status:   vault.StatusSynced,
			Durable:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *DecoyView) Get(id string) (*vault.Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vault.ErrEntryNotFound, id)
	}
	return e.Clone(), nil
}

func (v *DecoyView) Exists(id string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entries[id]
	return ok, nil
}

// Add validates e like the real vault and returns it stamped, without storing it.
func (v *DecoyView) Add(e *vault.Entry) (*vault.Entry, error) {
	out := e.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Modified = v.now().UnixMilli()
	out.Created = out.Modified
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Update validates e and returns it stamped, without storing it.
func (v *DecoyView) Update(e *vault.Entry) (*vault.Entry, error) {
	current, err := v.Get(e.ID)
	if err != nil {
		return nil, err
	}
	if e.Kind != current.Kind {
		return nil, vault.ErrKindChangeDenied
	}
	out := e.Clone()
	out.Created = current.Created
	out.Modified = v.now().UnixMilli()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete reports success for any known entry.
func (v *DecoyView) Delete(id string) error {
	_, err := v.Get(id)
	return err
}

func (v *DecoyView) Status() (*vault.Stats, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := &vault.Stats{
		EntryCount: len(v.entries),
		Created:    v.created.UTC(),
		ByKind:     make(map[vault.EntryKind]int),
	}
	var last int64
	for _, e := range v.entries {
		st.ByKind[e.Kind]++
		st.Synced++
		last = max(last, e.Modified)
	}
	if last > 0 {
		st.LastSync = time.UnixMilli(last).UTC()
	}
	return st, nil
}

// Audit returns no events.
func (v *DecoyView) Audit(int) ([]audit.AuditEvent, error) {
	return []audit.AuditEvent{}, nil
}

// Lock does nothing; the gate stays latched.
func (v *DecoyView) Lock() {}

// DefaultDecoys returns the built-in decoy set used in ModeDecoy.
func DefaultDecoys() []*vault.Entry {
	return []*vault.Entry{
		vault.NewPasswordEntry("Personal Email", vault.PasswordData{
			Username: "j.miller84@gmail.com",
			Password: "Summer2019!",
			URL:      "https://mail.google.com",
		}),
		vault.NewPasswordEntry("Netflix", vault.PasswordData{
			Username: "j.miller84@gmail.com",
			Password: "netflix4family",
			URL:      "https://www.netflix.com",
		}),
		vault.NewPasswordEntry("Amazon", vault.PasswordData{
			Username: "j.miller84@gmail.com",
			Password: "Amz#2020shop",
			URL:      "https://www.amazon.com",
		}),
		vault.NewNoteEntry("Home Wi-Fi", "Network: MillerHome_5G\nPassword: sunflower-meadow-42"),
	}
}
