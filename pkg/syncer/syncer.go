// Package syncer runs a synchronisation round between an unlocked vault and
// a remote store: upload pending content, snapshot both sides, detect and
// resolve conflicts, then record the agreed state.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/conflict"
	"github.com/forest6511/vaultsync/pkg/remote"
	"github.com/forest6511/vaultsync/pkg/secmem"
	"github.com/forest6511/vaultsync/pkg/syncstate"
	"github.com/forest6511/vaultsync/pkg/transfer"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// RecordFormat is the version of remote entry records written by this package.
const RecordFormat = 1

// ErrUnsupportedRecord is returned for remote records of a newer format.
var ErrUnsupportedRecord = errors.New("syncer: unsupported remote record format")

// record is the sealed remote form of an entry.
type record struct {
	Format int          `json:"format"`
	Entry  *vault.Entry `json:"entry"`
}

// Syncer synchronises one session with one remote store.
type Syncer struct {
	session  *vault.Session
	store    remote.Store
	state    *syncstate.Store
	entryKey *secmem.Buffer
	records  *transfer.Transfer
	files    *transfer.Transfer
	audit    audit.Sink
	now      func() time.Time
}

// Option configures a Syncer.
type Option func(*config)

type config struct {
	workers transfer.WorkerPolicy
	tempDir string
	now     func() time.Time
}

// WithWorkers sets the chunk transfer parallelism.
func WithWorkers(p transfer.WorkerPolicy) Option {
	return func(c *config) { c.workers = p }
}

// WithTempDir sets where sealed chunks are staged.
func WithTempDir(dir string) Option {
	return func(c *config) { c.tempDir = dir }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates a Syncer. It holds a copy of the entry key until Close.
func New(session *vault.Session, store remote.Store, state *syncstate.Store, opts ...Option) (*Syncer, error) {
	cfg := config{workers: transfer.AdaptiveWorkers(vault.DefaultChunkSize), now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	key, err := session.EntryKey()
	if err != nil {
		return nil, err
	}
	sink := session.Audit()
	common := []transfer.Option{
		transfer.WithWorkers(cfg.workers),
		transfer.WithTempDir(cfg.tempDir),
		transfer.WithAudit(sink),
	}
	return &Syncer{
		session:  session,
		store:    store,
		state:    state,
		entryKey: key,
		records:  transfer.New(store, key, append(common, transfer.WithPrefix(transfer.PrefixEntry))...),
		files:    transfer.New(store, key, append(common, transfer.WithPrefix(transfer.PrefixFile))...),
		audit:    sink,
		now:      cfg.now,
	}, nil
}

// Close wipes the Syncer's key copy.
func (s *Syncer) Close() {
	s.entryKey.Wipe()
}

// Files returns the transfer used for file content.
func (s *Syncer) Files() *transfer.Transfer { return s.files }

// Options controls one round.
type Options struct {
	// Strategy resolves every conflict when Decider is nil.
	Strategy conflict.Strategy
	// Decider chooses a strategy per conflict.
	Decider conflict.Decider
	// OnProgress receives file chunk progress.
	OnProgress transfer.ProgressFunc
}

// EntryError is a failure confined to one entry.
type EntryError struct {
	EntryID string
	Err     error
}

func (e *EntryError) Error() string { return fmt.Sprintf("syncer: %s: %v", e.EntryID, e.Err) }

func (e *EntryError) Unwrap() error { return e.Err }

// Report summarises a round.
type Report struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	Uploaded      []string
	Pushed        []string
	Pulled        []string
	DeletedLocal  []string
	DeletedRemote []string
	Adopted       []string
	Conflicts     []conflict.Conflict
	Resolutions   []conflict.Resolution
	Deferred      []string
	Errors        []error
}

func (r *Report) fail(id string, err error) {
	r.Errors = append(r.Errors, &EntryError{EntryID: id, Err: err})
}

// Err joins every entry failure. Deferred conflicts add ErrConflictUnresolved.
func (r *Report) Err() error {
	errs := append([]error(nil), r.Errors...)
	if len(r.Deferred) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d deferred", conflict.ErrConflictUnresolved, len(r.Deferred)))
	}
	return errors.Join(errs...)
}

// remoteSide is a snapshot of the remote store.
type remoteSide struct {
	entries map[string]*vault.Entry
	records map[string]vault.CloudFileChunk
}

// Run performs one round. The returned error covers failures that stop the
// round; per-entry failures and deferred conflicts are in the Report.
func (s *Syncer) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{StartedAt: s.now()}
	decider := opts.Decider
	if decider == nil {
		strategy := opts.Strategy
		if strategy == "" {
			strategy = conflict.Skip
		}
		decider = conflict.BatchDecider(strategy)
	}

	contentReady := s.uploadPendingContent(ctx, report, opts.OnProgress)

	rs, err := s.snapshotRemote(ctx, report)
	if err != nil {
		s.audit.Append(audit.OpSyncRun, "", audit.ResultError)
		return nil, err
	}
	local, err := s.session.Entries()
	if err != nil {
		return nil, err
	}
	states, err := s.state.All()
	if err != nil {
		return nil, err
	}
	// Entries whose remote record could not be read take no part in the round.
	for _, e := range report.Errors {
		var ee *EntryError
		if errors.As(e, &ee) && !contentReady.failed(ee.EntryID) {
			delete(local, ee.EntryID)
			delete(states, ee.EntryID)
		}
	}

	plan := conflict.Plan(local, rs.entries, states)
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.applyStep(ctx, step, rs, contentReady, report); err != nil {
			report.fail(step.EntryID, err)
		}
	}

	report.Conflicts = plan.Conflicts
	nowMs := s.now().UnixMilli()
	resolutions, err := conflict.ResolveAll(plan.Conflicts, decider, nowMs)
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	for _, res := range resolutions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := findConflict(plan.Conflicts, res.EntryID)
		if err := s.applyResolution(ctx, c, res, rs, contentReady, report); err != nil {
			report.fail(res.EntryID, err)
			s.audit.Append(audit.OpSyncResolve, res.EntryID, audit.ResultError)
			continue
		}
		report.Resolutions = append(report.Resolutions, res)
		s.audit.Append(audit.OpSyncResolve, res.EntryID, audit.ResultSuccess)
	}

	report.FinishedAt = s.now()
	if len(report.Errors) == 0 {
		if err := s.session.MarkSynced(report.FinishedAt); err != nil {
			return report, err
		}
		s.audit.Append(audit.OpSyncRun, "", audit.ResultSuccess)
	} else {
		s.audit.Append(audit.OpSyncRun, "", audit.ResultError)
	}
	log.Info().
		Int("pushed", len(report.Pushed)).
		Int("pulled", len(report.Pulled)).
		Int("conflicts", len(report.Conflicts)).
		Int("deferred", len(report.Deferred)).
		Int("errors", len(report.Errors)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("sync round finished")
	return report, nil
}

func findConflict(cs []conflict.Conflict, id string) conflict.Conflict {
	for _, c := range cs {
		if c.EntryID == id {
			return c
		}
	}
	return conflict.Conflict{EntryID: id}
}

// contentSet tracks file entries whose content upload failed this round.
type contentSet map[string]error

func (c contentSet) failed(id string) bool {
	_, ok := c[id]
	return ok
}

// uploadPendingContent uploads the chunks of every local file entry whose
// remote content is incomplete.
func (s *Syncer) uploadPendingContent(ctx context.Context, report *Report, onProgress transfer.ProgressFunc) contentSet {
	failed := contentSet{}
	pending, err := s.session.PendingEntries()
	if err != nil {
		return failed
	}
	for _, id := range pending {
		ie, err := s.session.IndexEntry(id)
		if err != nil || ie.Kind != vault.KindFile || !ie.LocalContent || len(ie.Fragments) == ie.ChunkCount {
			continue
		}
		if err := s.uploadContent(ctx, id, ie, onProgress); err != nil {
			failed[id] = err
			report.fail(id, err)
			continue
		}
		report.Uploaded = append(report.Uploaded, id)
	}
	return failed
}

func (s *Syncer) uploadContent(ctx context.Context, id string, ie *vault.IndexEntry, onProgress transfer.ProgressFunc) error {
	src, err := s.session.FileChunkSource(id)
	if err != nil {
		return err
	}
	if err := s.session.SetCloudStatus(id, vault.StatusUploading); err != nil {
		return err
	}
	fragments, err := s.files.Upload(ctx, id, src, onProgress)
	if err != nil {
		if serr := s.session.SetCloudStatus(id, vault.StatusError); serr != nil {
			log.Warn().Err(serr).Str("entry_id", id).Msg("failed to record upload error")
		}
		return err
	}
	return s.session.SetFragments(id, ie.Record, fragments)
}

// snapshotRemote lists entry records with one call and opens each of them.
// Records that cannot be opened are reported and left out.
func (s *Syncer) snapshotRemote(ctx context.Context, report *Report) (*remoteSide, error) {
	objs, err := s.store.List(ctx, transfer.PrefixEntry+"_")
	if err != nil {
		return nil, fmt.Errorf("syncer: failed to list remote records: %w", err)
	}
	rs := &remoteSide{
		entries: make(map[string]*vault.Entry),
		records: make(map[string]vault.CloudFileChunk),
	}
	for _, o := range objs {
		id, index, ok := transfer.ParseObjectName(transfer.PrefixEntry, o.Name)
		if !ok || index != 0 {
			continue
		}
		ptr := vault.CloudFileChunk{ChunkIndex: 0, RemoteObjectID: o.ID, Size: o.Size}
		e, err := s.fetchRecord(ctx, id, ptr)
		if err != nil {
			report.fail(id, err)
			continue
		}
		rs.entries[id] = e
		rs.records[id] = ptr
	}
	return rs, nil
}

func (s *Syncer) fetchRecord(ctx context.Context, id string, ptr vault.CloudFileChunk) (*vault.Entry, error) {
	sink := &transfer.BufferSink{}
	if err := s.records.Download(ctx, id, []vault.CloudFileChunk{ptr}, sink, nil); err != nil {
		return nil, err
	}
	defer secmem.WipeBytes(sink.Data)

	var rec record
	if err := json.Unmarshal(sink.Data, &rec); err != nil {
		return nil, fmt.Errorf("syncer: malformed record: %w", err)
	}
	if rec.Format > RecordFormat {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRecord, rec.Format)
	}
	if rec.Entry == nil || rec.Entry.ID != id {
		return nil, fmt.Errorf("syncer: record does not match entry %s", id)
	}
	if err := rec.Entry.Validate(); err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

// pushRecord uploads e as its entry record and points the index at it.
func (s *Syncer) pushRecord(ctx context.Context, e *vault.Entry) (*vault.CloudFileChunk, error) {
	data, err := json.Marshal(record{Format: RecordFormat, Entry: e})
	if err != nil {
		return nil, fmt.Errorf("syncer: failed to encode record: %w", err)
	}
	defer secmem.WipeBytes(data)
	chunks, err := s.records.Replace(ctx, e.ID, transfer.NewBytesSource(data, 0), nil)
	if err != nil {
		return nil, err
	}
	return &chunks[0], nil
}

// point records remote pointers for id, listing file chunks when the index
// does not already hold all of them.
func (s *Syncer) point(ctx context.Context, id string, rec *vault.CloudFileChunk) error {
	ie, err := s.session.IndexEntry(id)
	if err != nil {
		return err
	}
	fragments := ie.Fragments
	if ie.Kind == vault.KindFile && len(fragments) != ie.ChunkCount {
		if fragments, err = s.files.ListChunks(ctx, id); err != nil {
			return err
		}
	}
	return s.session.SetFragments(id, rec, fragments)
}

func (s *Syncer) agree(e *vault.Entry) error {
	return s.state.Put(syncstate.State{
		EntryID:       e.ID,
		LocalVersion:  e.Modified,
		RemoteVersion: e.Modified,
		LastSyncedAt:  s.now().UnixMilli(),
		Checksum:      conflict.Checksum(e),
	})
}

func (s *Syncer) push(ctx context.Context, e *vault.Entry, ready contentSet) error {
	if ready.failed(e.ID) {
		return fmt.Errorf("syncer: content of %s not uploaded", e.ID)
	}
	if e.Kind == vault.KindFile {
		ie, err := s.session.IndexEntry(e.ID)
		if err != nil {
			return err
		}
		if ie.LocalContent && len(ie.Fragments) != ie.ChunkCount {
			if err := s.uploadContent(ctx, e.ID, ie, nil); err != nil {
				return err
			}
		}
	}
	rec, err := s.pushRecord(ctx, e)
	if err != nil {
		if serr := s.session.SetCloudStatus(e.ID, vault.StatusError); serr != nil {
			log.Warn().Err(serr).Str("entry_id", e.ID).Msg("failed to record push error")
		}
		return err
	}
	if err := s.point(ctx, e.ID, rec); err != nil {
		return err
	}
	return s.agree(e)
}

func (s *Syncer) pull(ctx context.Context, e *vault.Entry, rs *remoteSide) error {
	if err := s.session.PutEntry(e, vault.StatusPending); err != nil {
		return err
	}
	rec := rs.records[e.ID]
	if err := s.point(ctx, e.ID, &rec); err != nil {
		return err
	}
	return s.agree(e)
}

func (s *Syncer) deleteRemote(ctx context.Context, id string) error {
	if err := s.records.DeleteEntry(ctx, id); err != nil {
		return err
	}
	return s.files.DeleteEntry(ctx, id)
}

func (s *Syncer) deleteLocal(id string) error {
	err := s.session.DeleteEntry(id)
	if err != nil && !errors.Is(err, vault.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (s *Syncer) applyStep(ctx context.Context, step conflict.Step, rs *remoteSide, ready contentSet, report *Report) error {
	id := step.EntryID
	switch step.Action {
	case conflict.ActionPush:
		if err := s.push(ctx, step.Local, ready); err != nil {
			return err
		}
		report.Pushed = append(report.Pushed, id)
	case conflict.ActionPull:
		if err := s.pull(ctx, step.Remote, rs); err != nil {
			return err
		}
		report.Pulled = append(report.Pulled, id)
	case conflict.ActionDeleteLocal:
		if err := s.deleteLocal(id); err != nil {
			return err
		}
		if err := s.state.Delete(id); err != nil {
			return err
		}
		report.DeletedLocal = append(report.DeletedLocal, id)
	case conflict.ActionDeleteRemote:
		if err := s.deleteRemote(ctx, id); err != nil {
			return err
		}
		if err := s.state.Delete(id); err != nil {
			return err
		}
		report.DeletedRemote = append(report.DeletedRemote, id)
	case conflict.ActionAdopt:
		rec := rs.records[id]
		if err := s.point(ctx, id, &rec); err != nil {
			return err
		}
		if err := s.agree(step.Local); err != nil {
			return err
		}
		report.Adopted = append(report.Adopted, id)
	case conflict.ActionForget:
		return s.state.Delete(id)
	default:
		return fmt.Errorf("syncer: unknown action %q", step.Action)
	}
	return nil
}

func (s *Syncer) applyResolution(ctx context.Context, c conflict.Conflict, res conflict.Resolution, rs *remoteSide, ready contentSet, report *Report) error {
	logged := syncstate.Resolution{
		EntryID:    res.EntryID,
		Conflict:   string(res.Conflict),
		Strategy:   string(res.Strategy),
		ResolvedAt: s.now().UnixMilli(),
	}
	if res.Deferred {
		report.Deferred = append(report.Deferred, res.EntryID)
		return s.state.AppendResolution(logged)
	}

	if res.Result == nil {
		if c.Local != nil {
			if err := s.deleteLocal(res.EntryID); err != nil {
				return err
			}
		}
		if c.Remote != nil {
			if err := s.deleteRemote(ctx, res.EntryID); err != nil {
				return err
			}
		}
		if err := s.state.Delete(res.EntryID); err != nil {
			return err
		}
	} else {
		want := conflict.Checksum(res.Result)
		if c.Local == nil || conflict.Checksum(c.Local) != want {
			if err := s.session.PutEntry(res.Result, vault.StatusPending); err != nil {
				return err
			}
		}
		if c.Remote == nil || conflict.Checksum(c.Remote) != want {
			if err := s.push(ctx, res.Result, ready); err != nil {
				return err
			}
		} else {
			rec := rs.records[res.EntryID]
			if err := s.point(ctx, res.EntryID, &rec); err != nil {
				return err
			}
			if err := s.agree(res.Result); err != nil {
				return err
			}
		}
	}

	if res.Clone != nil {
		if err := s.session.PutEntry(res.Clone, vault.StatusPending); err != nil {
			return err
		}
		if err := s.push(ctx, res.Clone, ready); err != nil {
			return err
		}
	}
	return s.state.AppendResolution(logged)
}

// FetchContent downloads the remote chunks of a pulled file entry into the
// vault and marks the content local once its checksum verifies.
func (s *Syncer) FetchContent(ctx context.Context, id string, onProgress transfer.ProgressFunc) error {
	ie, err := s.session.IndexEntry(id)
	if err != nil {
		return err
	}
	if ie.Kind != vault.KindFile {
		return fmt.Errorf("syncer: entry %s is not a file", id)
	}
	if ie.LocalContent {
		return nil
	}
	chunks := ie.Fragments
	if len(chunks) != ie.ChunkCount {
		if chunks, err = s.files.ListChunks(ctx, id); err != nil {
			return err
		}
	}
	sink := transfer.SinkFunc(func(index int, plaintext []byte) error {
		return s.session.StoreFileChunk(id, index, plaintext)
	})
	if err := s.files.Download(ctx, id, chunks, sink, onProgress); err != nil {
		return err
	}
	return s.session.MarkContentLocal(id)
}

// UploadPending uploads the content of local file entries whose remote
// chunks are incomplete, without running a full round.
func (s *Syncer) UploadPending(ctx context.Context, onProgress transfer.ProgressFunc) *Report {
	report := &Report{StartedAt: s.now()}
	s.uploadPendingContent(ctx, report, onProgress)
	report.FinishedAt = s.now()
	return report
}

// ExportRemote streams the remote content of a file entry to path without
// storing it in the vault.
func (s *Syncer) ExportRemote(ctx context.Context, id, path string, onProgress transfer.ProgressFunc) (int64, error) {
	ie, err := s.session.IndexEntry(id)
	if err != nil {
		return 0, err
	}
	if ie.Kind != vault.KindFile {
		return 0, fmt.Errorf("syncer: entry %s is not a file", id)
	}
	chunks := ie.Fragments
	if len(chunks) != ie.ChunkCount {
		if chunks, err = s.files.ListChunks(ctx, id); err != nil {
			return 0, err
		}
	}
	return s.files.StreamDownloadToFile(ctx, id, chunks, path, onProgress)
}

// Status summarises sync bookkeeping without contacting the remote.
type Status struct {
	LastSync    time.Time
	Tracked     int
	Pending     []string
	Resolutions []syncstate.Resolution
}

// LocalStatus reports the last sync time, tracked and pending entries and
// recent resolutions.
func LocalStatus(session *vault.Session, state *syncstate.Store, recent int) (*Status, error) {
	stats, err := session.Stats()
	if err != nil {
		return nil, err
	}
	pending, err := session.PendingEntries()
	if err != nil {
		return nil, err
	}
	all, err := state.All()
	if err != nil {
		return nil, err
	}
	res, err := state.Resolutions(recent)
	if err != nil {
		return nil, err
	}
	sort.Strings(pending)
	return &Status{LastSync: stats.LastSync, Tracked: len(all), Pending: pending, Resolutions: res}, nil
}
