// Package conflict compares local and remote entry snapshots against the
// last agreed sync state, classifies divergence and resolves it.
package conflict

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/forest6511/vaultsync/pkg/syncstate"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// Kind classifies a conflict.
type Kind string

const (
	ModifiedBoth   Kind = "modified_both"
	DeletedLocal   Kind = "deleted_local"
	DeletedRemote  Kind = "deleted_remote"
	CreatedBoth    Kind = "created_both"
	SchemaMismatch Kind = "schema_mismatch"
)

// Conflict is a divergence that needs a decision. Local or Remote is nil
// for the deletion kinds.
type Conflict struct {
	EntryID string
	Kind    Kind
	Local   *vault.Entry
	Remote  *vault.Entry
	State   *syncstate.State
}

// Action is a non-conflicting step the sync engine can apply directly.
type Action string

const (
	// ActionPush uploads the local entry.
	ActionPush Action = "push"
	// ActionPull writes the remote entry locally.
	ActionPull Action = "pull"
	// ActionDeleteLocal propagates a remote deletion.
	ActionDeleteLocal Action = "delete_local"
	// ActionDeleteRemote propagates a local deletion.
	ActionDeleteRemote Action = "delete_remote"
	// ActionAdopt records agreement of identical sides.
	ActionAdopt Action = "adopt"
	// ActionForget drops state of an entry gone from both sides.
	ActionForget Action = "forget"
)

// Step is one planned action.
type Step struct {
	EntryID string
	Action  Action
	Local   *vault.Entry
	Remote  *vault.Entry
}

// SyncPlan is the outcome of comparing both sides.
type SyncPlan struct {
	Steps     []Step
	Conflicts []Conflict
}

// Checksum hashes the title, kind payload and modified timestamp of e.
// Fields are length-prefixed so adjacent values cannot run together.
func Checksum(e *vault.Entry) string {
	h := sha256.New()
	writeField(h, string(e.Kind))
	writeField(h, e.Title)
	switch {
	case e.Password != nil:
		writeField(h, e.Password.Username)
		writeField(h, e.Password.Password)
		writeField(h, e.Password.URL)
		writeField(h, e.Password.Notes)
	case e.Note != nil:
		writeField(h, e.Note.Body)
	case e.File != nil:
		writeField(h, e.File.Name)
		writeField(h, strconv.FormatInt(e.File.Size, 10))
		writeField(h, e.File.Checksum)
		writeField(h, strconv.Itoa(e.File.ChunkSize))
		writeField(h, strconv.Itoa(e.File.ChunkCount))
	}
	writeField(h, strconv.FormatInt(e.Modified, 10))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// changedSince reports whether e differs from the agreed state. The stored
// checksum decides; the timestamp is used only when none was recorded.
func changedSince(e *vault.Entry, st syncstate.State) bool {
	if st.Checksum != "" {
		return Checksum(e) != st.Checksum
	}
	return e.Modified > st.LastSyncedAt
}

// Detect returns the conflicts between local and remote.
func Detect(local, remote map[string]*vault.Entry, states map[string]syncstate.State) []Conflict {
	return Plan(local, remote, states).Conflicts
}

// Plan classifies every entry id seen locally, remotely or in states.
// Entries without a prior state are treated as new and never conflict,
// except when both sides hold different content under the same id.
// One-sided edits fast-forward the other side.
func Plan(local, remote map[string]*vault.Entry, states map[string]syncstate.State) *SyncPlan {
	ids := make(map[string]struct{}, len(local)+len(remote))
	for id := range local {
		ids[id] = struct{}{}
	}
	for id := range remote {
		ids[id] = struct{}{}
	}
	for id := range states {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	plan := &SyncPlan{}
	for _, id := range sorted {
		l, r := local[id], remote[id]
		st, known := states[id]
		var sp *syncstate.State
		if known {
			s := st
			sp = &s
		}
		conflict := func(kind Kind) {
			plan.Conflicts = append(plan.Conflicts, Conflict{EntryID: id, Kind: kind, Local: l, Remote: r, State: sp})
		}
		step := func(a Action) {
			plan.Steps = append(plan.Steps, Step{EntryID: id, Action: a, Local: l, Remote: r})
		}

		switch {
		case l == nil && r == nil:
			if known {
				step(ActionForget)
			}

		case r == nil:
			switch {
			case !known:
				step(ActionPush)
			case changedSince(l, st):
				conflict(DeletedRemote)
			default:
				step(ActionDeleteLocal)
			}

		case l == nil:
			switch {
			case !known:
				step(ActionPull)
			case changedSince(r, st):
				conflict(DeletedLocal)
			default:
				step(ActionDeleteRemote)
			}

		default:
			if Checksum(l) == Checksum(r) {
				if !known || st.Checksum != Checksum(l) {
					step(ActionAdopt)
				}
				continue
			}
			if l.Kind != r.Kind {
				conflict(SchemaMismatch)
				continue
			}
			// Same id on both sides with no shared history: one vault was
			// seeded from the other, so neither copy may win silently.
			if !known {
				conflict(CreatedBoth)
				continue
			}
			lChanged, rChanged := changedSince(l, st), changedSince(r, st)
			switch {
			case lChanged && !rChanged:
				step(ActionPush)
			case rChanged && !lChanged:
				step(ActionPull)
			default:
				conflict(ModifiedBoth)
			}
		}
	}
	return plan
}
