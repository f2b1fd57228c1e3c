// Package transfer moves entry payloads to and from a remote store as
// independently sealed chunks.
//
// Each chunk i of entry E is sealed under the entry key with the chunk
// binding of E and i, and stored as "{prefix}_{E}_chunk_{i}". Uploads list
// the entry's existing chunks once and skip them, so an interrupted upload
// resumes by calling Upload again. Downloads fetch chunks in parallel and
// write them strictly in index order.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/remote"
	"github.com/forest6511/vaultsync/pkg/secmem"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// Object name prefixes.
const (
	PrefixFile  = "file"
	PrefixEntry = "entry"
)

// Operations reported in ChunkError and Progress.
const (
	OpUpload   = "upload"
	OpDownload = "download"
	OpDelete   = "delete"
)

// ErrChunkTransferFailed is wrapped by every ChunkError.
var ErrChunkTransferFailed = errors.New("transfer: chunk transfer failed")

// ErrBadChunkList is returned when chunk descriptors are not 0..n-1.
var ErrBadChunkList = errors.New("transfer: chunk list is not contiguous")

// ChunkError is the failure of a single chunk. Retrying the whole
// operation is safe; chunks that succeeded are not redone.
type ChunkError struct {
	Index int
	Op    string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("transfer: %s chunk %d: %v", e.Op, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() []error {
	return []error{ErrChunkTransferFailed, e.Err}
}

// ChunkSource supplies plaintext chunks. ReadChunk may be called concurrently.
type ChunkSource interface {
	ChunkCount() int
	ReadChunk(index int) ([]byte, error)
}

// ChunkSink receives plaintext chunks, always in increasing index order.
// The slice is wiped after WriteChunk returns.
type ChunkSink interface {
	WriteChunk(index int, plaintext []byte) error
}

// Progress reports a completed chunk.
type Progress struct {
	EntryID string
	Op      string
	Done    int
	Total   int
	Bytes   int64
}

// ProgressFunc receives progress updates. Calls are serialised.
type ProgressFunc func(Progress)

// Transfer uploads, downloads and deletes chunked payloads.
type Transfer struct {
	store   remote.Store
	key     *secmem.Buffer
	prefix  string
	workers WorkerPolicy
	tempDir string
	audit   audit.Sink
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithPrefix sets the object name prefix (default PrefixFile).
func WithPrefix(prefix string) Option {
	return func(t *Transfer) { t.prefix = prefix }
}

// WithWorkers sets the parallelism policy.
func WithWorkers(p WorkerPolicy) Option {
	return func(t *Transfer) { t.workers = p }
}

// WithTempDir sets where sealed chunks are staged before upload.
func WithTempDir(dir string) Option {
	return func(t *Transfer) { t.tempDir = dir }
}

// WithAudit sets the sink for per-entry transfer events.
func WithAudit(sink audit.Sink) Option {
	return func(t *Transfer) { t.audit = sink }
}

// New creates a Transfer sealing with entryKey. The caller keeps ownership
// of entryKey and must not wipe it while the Transfer is in use.
func New(store remote.Store, entryKey *secmem.Buffer, opts ...Option) *Transfer {
	t := &Transfer{
		store:   store,
		key:     entryKey,
		prefix:  PrefixFile,
		workers: AdaptiveWorkers(vault.DefaultChunkSize),
		audit:   audit.Discard,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Prefix returns the object name prefix.
func (t *Transfer) Prefix() string { return t.prefix }

// ObjectName returns the remote name of chunk index of entryID.
func ObjectName(prefix, entryID string, index int) string {
	return fmt.Sprintf("%s_%s_chunk_%d", prefix, entryID, index)
}

// ChunkPrefix returns the name prefix shared by every chunk of entryID.
func ChunkPrefix(prefix, entryID string) string {
	return prefix + "_" + entryID + "_chunk_"
}

// ParseObjectName splits a chunk object name into entry id and index.
func ParseObjectName(prefix, name string) (entryID string, index int, ok bool) {
	rest, found := strings.CutPrefix(name, prefix+"_")
	if !found {
		return "", 0, false
	}
	cut := strings.LastIndex(rest, "_chunk_")
	if cut <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(rest[cut+len("_chunk_"):])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return rest[:cut], index, true
}

func (t *Transfer) workerCount() int {
	n := t.workers()
	if n < 1 {
		n = 1
	}
	return n
}

// progressTracker serialises progress callbacks.
type progressTracker struct {
	mu sync.Mutex
	fn ProgressFunc
	p  Progress
}

func newProgress(fn ProgressFunc, entryID, op string, total int) *progressTracker {
	return &progressTracker{fn: fn, p: Progress{EntryID: entryID, Op: op, Total: total}}
}

func (pt *progressTracker) add(bytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.p.Done++
	pt.p.Bytes += bytes
	if pt.fn != nil {
		pt.fn(pt.p)
	}
}

// errorList collects chunk errors from concurrent tasks.
type errorList struct {
	mu   sync.Mutex
	errs []*ChunkError
}

func (l *errorList) add(index int, op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, &ChunkError{Index: index, Op: op, Err: err})
}

func (l *errorList) join() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	sort.Slice(l.errs, func(i, j int) bool { return l.errs[i].Index < l.errs[j].Index })
	errs := make([]error, len(l.errs))
	for i, e := range l.errs {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Upload stores every chunk of src that is not already present remotely and
// returns descriptors for all chunks in index order. Existing chunks are
// found with a single List call.
func (t *Transfer) Upload(ctx context.Context, entryID string, src ChunkSource, onProgress ProgressFunc) ([]vault.CloudFileChunk, error) {
	return t.upload(ctx, entryID, src, onProgress, true)
}

// Replace uploads every chunk of src, overwriting objects of the same name.
// It is used for payloads that change under a stable name.
func (t *Transfer) Replace(ctx context.Context, entryID string, src ChunkSource, onProgress ProgressFunc) ([]vault.CloudFileChunk, error) {
	return t.upload(ctx, entryID, src, onProgress, false)
}

func (t *Transfer) upload(ctx context.Context, entryID string, src ChunkSource, onProgress ProgressFunc, skipExisting bool) ([]vault.CloudFileChunk, error) {
	count := src.ChunkCount()
	if count < 1 {
		return nil, fmt.Errorf("transfer: %s has no chunks", entryID)
	}

	existing := map[string]remote.Object{}
	if skipExisting {
		objs, err := t.store.List(ctx, ChunkPrefix(t.prefix, entryID))
		if err != nil {
			return nil, fmt.Errorf("transfer: failed to list chunks of %s: %w", entryID, err)
		}
		existing = remote.ByName(objs)
	}

	results := make([]vault.CloudFileChunk, count)
	progress := newProgress(onProgress, entryID, OpUpload, count)
	var missing []int
	for i := 0; i < count; i++ {
		if obj, ok := existing[ObjectName(t.prefix, entryID, i)]; ok {
			results[i] = vault.CloudFileChunk{ChunkIndex: i, RemoteObjectID: obj.ID, Size: obj.Size}
			progress.add(obj.Size)
			continue
		}
		missing = append(missing, i)
	}
	log.Debug().
		Str("entry_id", entryID).
		Int("chunks", count).
		Int("present", count-len(missing)).
		Msg("upload plan")

	var (
		mu   sync.Mutex
		errs errorList
		g    errgroup.Group
	)
	g.SetLimit(t.workerCount())
	for _, i := range missing {
		g.Go(func() error {
			chunk, err := t.uploadChunk(ctx, entryID, i, count, src)
			if err != nil {
				errs.add(i, OpUpload, err)
				return nil
			}
			mu.Lock()
			results[i] = chunk
			mu.Unlock()
			progress.add(chunk.Size)
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.join(); err != nil {
		t.audit.Append(audit.OpTransferUpload, entryID, audit.ResultError)
		return nil, err
	}
	t.audit.Append(audit.OpTransferUpload, entryID, audit.ResultSuccess)
	return results, nil
}

// uploadChunk seals one chunk, stages it in a temp file and puts it. The
// temp file is removed once Put returns.
func (t *Transfer) uploadChunk(ctx context.Context, entryID string, index, count int, src ChunkSource) (vault.CloudFileChunk, error) {
	if err := ctx.Err(); err != nil {
		return vault.CloudFileChunk{}, err
	}
	plaintext, err := src.ReadChunk(index)
	if err != nil {
		return vault.CloudFileChunk{}, fmt.Errorf("read: %w", err)
	}
	sealed, err := crypto.Seal(t.key.Bytes(), plaintext, crypto.ChunkAAD(entryID, index, count))
	secmem.WipeBytes(plaintext)
	if err != nil {
		return vault.CloudFileChunk{}, fmt.Errorf("seal: %w", err)
	}

	tmp, err := os.CreateTemp(t.tempDir, "vaultsync-chunk-*")
	if err != nil {
		return vault.CloudFileChunk{}, fmt.Errorf("stage: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(sealed); err != nil {
		return vault.CloudFileChunk{}, fmt.Errorf("stage: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return vault.CloudFileChunk{}, fmt.Errorf("stage: %w", err)
	}

	name := ObjectName(t.prefix, entryID, index)
	size := int64(len(sealed))
	id, err := t.store.Put(ctx, name, tmp, size)
	if err != nil {
		return vault.CloudFileChunk{}, err
	}
	log.Debug().
		Str("entry_id", entryID).
		Int("chunk", index).
		Str("size", humanize.IBytes(uint64(size))).
		Msg("chunk uploaded")
	return vault.CloudFileChunk{ChunkIndex: index, RemoteObjectID: id, Size: size}, nil
}

// sortedChunks returns chunks ordered by index and checks they are 0..n-1.
func sortedChunks(chunks []vault.CloudFileChunk) ([]vault.CloudFileChunk, error) {
	if len(chunks) == 0 {
		return nil, ErrBadChunkList
	}
	out := append([]vault.CloudFileChunk(nil), chunks...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	for i, c := range out {
		if c.ChunkIndex != i {
			return nil, fmt.Errorf("%w: expected chunk %d, got %d", ErrBadChunkList, i, c.ChunkIndex)
		}
	}
	return out, nil
}

// Download fetches and opens every chunk, passing plaintexts to sink in
// index order regardless of the order fetches complete in.
func (t *Transfer) Download(ctx context.Context, entryID string, chunks []vault.CloudFileChunk, sink ChunkSink, onProgress ProgressFunc) error {
	ordered, err := sortedChunks(chunks)
	if err != nil {
		return err
	}
	count := len(ordered)
	workers := t.workerCount()
	buf := newReorderBuffer(sink, 2*workers)
	defer buf.release()
	progress := newProgress(onProgress, entryID, OpDownload, count)

	var (
		errs errorList
		g    errgroup.Group
	)
	g.SetLimit(workers)
	for _, c := range ordered {
		g.Go(func() error {
			if !buf.admit(c.ChunkIndex) {
				// An earlier chunk failed; the output cannot be completed.
				return nil
			}
			plaintext, err := t.fetchChunk(ctx, entryID, c, count)
			if err != nil {
				buf.fail()
				errs.add(c.ChunkIndex, OpDownload, err)
				return nil
			}
			if err := buf.deliver(c.ChunkIndex, plaintext); err != nil {
				buf.fail()
				errs.add(c.ChunkIndex, OpDownload, fmt.Errorf("write: %w", err))
				return nil
			}
			progress.add(c.Size)
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.join(); err != nil {
		t.audit.Append(audit.OpTransferDownload, entryID, audit.ResultError)
		return err
	}
	if written := buf.written(); written != count {
		return fmt.Errorf("transfer: wrote %d of %d chunks of %s", written, count, entryID)
	}
	t.audit.Append(audit.OpTransferDownload, entryID, audit.ResultSuccess)
	return nil
}

func (t *Transfer) fetchChunk(ctx context.Context, entryID string, c vault.CloudFileChunk, count int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sealed, err := t.store.Get(ctx, c.RemoteObjectID)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Open(t.key.Bytes(), sealed, crypto.ChunkAAD(entryID, c.ChunkIndex, count))
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("entry_id", entryID).
		Int("chunk", c.ChunkIndex).
		Str("size", humanize.IBytes(uint64(len(sealed)))).
		Msg("chunk downloaded")
	return plaintext, nil
}

// DeleteRemote deletes the given objects. A missing object counts as
// deleted; any other failure is aggregated and returned.
func (t *Transfer) DeleteRemote(ctx context.Context, entryID string, chunks []vault.CloudFileChunk) error {
	var (
		errs errorList
		g    errgroup.Group
	)
	g.SetLimit(t.workerCount())
	for _, c := range chunks {
		g.Go(func() error {
			err := t.store.Delete(ctx, c.RemoteObjectID)
			if err != nil && !errors.Is(err, remote.ErrNotFound) {
				errs.add(c.ChunkIndex, OpDelete, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.join(); err != nil {
		t.audit.Append(audit.OpTransferDelete, entryID, audit.ResultError)
		return err
	}
	t.audit.Append(audit.OpTransferDelete, entryID, audit.ResultSuccess)
	return nil
}

// DeleteEntry lists every chunk of entryID and deletes them.
func (t *Transfer) DeleteEntry(ctx context.Context, entryID string) error {
	objs, err := t.store.List(ctx, ChunkPrefix(t.prefix, entryID))
	if err != nil {
		return fmt.Errorf("transfer: failed to list chunks of %s: %w", entryID, err)
	}
	chunks := make([]vault.CloudFileChunk, 0, len(objs))
	for _, o := range objs {
		_, index, ok := ParseObjectName(t.prefix, o.Name)
		if !ok {
			continue
		}
		chunks = append(chunks, vault.CloudFileChunk{ChunkIndex: index, RemoteObjectID: o.ID, Size: o.Size})
	}
	return t.DeleteRemote(ctx, entryID, chunks)
}

// ListChunks returns the remote chunks of entryID found by one List call,
// ordered by index.
func (t *Transfer) ListChunks(ctx context.Context, entryID string) ([]vault.CloudFileChunk, error) {
	objs, err := t.store.List(ctx, ChunkPrefix(t.prefix, entryID))
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to list chunks of %s: %w", entryID, err)
	}
	var chunks []vault.CloudFileChunk
	for _, o := range objs {
		id, index, ok := ParseObjectName(t.prefix, o.Name)
		if !ok || id != entryID {
			continue
		}
		chunks = append(chunks, vault.CloudFileChunk{ChunkIndex: index, RemoteObjectID: o.ID, Size: o.Size})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}
