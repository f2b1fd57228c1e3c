// Package audit provides an encrypted audit log with an HMAC chain for tamper detection.
//
// Each record is sealed with AES-256-GCM before it reaches disk, so the log
// reveals only sequence numbers and chain hashes to someone without the key.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

// Operation types for audit logging
const (
	// Vault operations
	OpVaultInit         = "vault.init"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"
	OpVaultRekey        = "vault.rekey"

	// Entry operations
	OpEntryGet    = "entry.get"
	OpEntryAdd    = "entry.add"
	OpEntryUpdate = "entry.update"
	OpEntryDelete = "entry.delete"
	OpEntryList   = "entry.list"
	OpEntryExists = "entry.exists"

	// Transfer and sync operations
	OpTransferUpload   = "transfer.upload"
	OpTransferDownload = "transfer.download"
	OpTransferDelete   = "transfer.delete"
	OpSyncRun          = "sync.run"
	OpSyncResolve      = "sync.resolve"

	// Duress operations
	OpDuressSetup   = "duress.setup"
	OpDuressDisable = "duress.disable"
	OpDuressTrigger = "duress.trigger"

	// Two-factor operations
	OpTwoFactorSetup  = "twofactor.setup"
	OpTwoFactorVerify = "twofactor.verify"
)

// Source identifies where the operation originated
const (
	SourceCLI  = "cli"
	SourceMCP  = "mcp"
	SourceSync = "sync"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

const genesisHash = "genesis"

// ErrKeyNotSet is returned when the logger is used before SetKey.
var ErrKeyNotSet = errors.New("audit: key not set")

// Sink is a best-effort event consumer. Implementations never report errors.
type Sink interface {
	Append(op, entryID, result string)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(string, string, string) {}

// AuditEvent is the plaintext content of one audit record.
type AuditEvent struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	EntryID   string `json:"entry_id,omitempty"`
	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]interface{} `json:"ctx,omitempty"`

	// Sequence is filled from the chain when reading records back.
	Sequence int64 `json:"-"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Record is one line of the log file. Data holds the sealed AuditEvent.
type Record struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
	Data     string `json:"data"`
}

// Logger handles audit log writing with HMAC chain
type Logger struct {
	path      string
	source    string
	hmacKey   *secmem.Buffer
	sealKey   *secmem.Buffer
	mu        sync.Mutex
	sequence  int64
	prevHash  string
	sessionID string
}

// NewLogger creates a new audit logger writing to the directory at path.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		source:    SourceCLI,
		prevHash:  genesisHash,
		sessionID: generateSessionID(),
	}
}

// SetSource sets the source recorded by Append.
func (l *Logger) SetSource(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.source = source
}

// SetKey derives the HMAC and sealing keys from key using HKDF and loads the chain state.
func (l *Logger) SetKey(key []byte) error {
	macKey, err := crypto.ExpandKey(key, "audit-log-v1")
	if err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	sealKey, err := crypto.ExpandKey(key, "audit-seal-v1")
	if err != nil {
		secmem.WipeBytes(macKey)
		return fmt.Errorf("audit: failed to derive seal key: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.hmacKey.Wipe()
	l.sealKey.Wipe()
	l.hmacKey = secmem.FromBytes(macKey)
	l.sealKey = secmem.FromBytes(sealKey)

	if err := l.loadChainState(); err != nil {
		// Not a fatal error - may be first run
		l.sequence = 0
		l.prevHash = genesisHash
	}
	return nil
}

// Close wipes the keys. The logger can be re-keyed with SetKey.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hmacKey.Wipe()
	l.sealKey.Wipe()
	l.hmacKey = nil
	l.sealKey = nil
}

func (l *Logger) keyed() bool {
	return l.hmacKey.Alive() && l.sealKey.Alive()
}

// Log records an audit event
func (l *Logger) Log(op, source, result, entryID string, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.keyed() {
		return ErrKeyNotSet
	}

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	event := AuditEvent{
		Version:   1,
		ID:        generateULID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		EntryID:   entryID,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}

	plaintext, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	seq := l.sequence + 1
	sealed, err := crypto.Seal(l.sealKey.Bytes(), plaintext, recordAAD(seq))
	secmem.WipeBytes(plaintext)
	if err != nil {
		return fmt.Errorf("audit: failed to seal event: %w", err)
	}

	rec := Record{
		Sequence: seq,
		PrevHash: l.prevHash,
		Data:     base64.StdEncoding.EncodeToString(sealed),
	}
	rec.HMAC = l.computeHMAC(&rec)

	if err := l.writeRecord(&rec); err != nil {
		return err
	}

	l.sequence = seq
	l.prevHash = rec.HMAC
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source, entryID string) error {
	return l.Log(op, source, ResultSuccess, entryID, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source, entryID string, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, entryID, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// Append implements Sink. Failures are logged at debug level and dropped.
func (l *Logger) Append(op, entryID, result string) {
	l.mu.Lock()
	source := l.source
	l.mu.Unlock()
	if err := l.Log(op, source, result, entryID, nil, nil); err != nil {
		log.Debug().Err(err).Str("op", op).Msg("audit append dropped")
	}
}

func recordAAD(seq int64) []byte {
	return []byte(fmt.Sprintf("audit_%d", seq))
}

// computeHMAC covers every field of the record except the HMAC itself.
func (l *Logger) computeHMAC(rec *Record) string {
	mac := hmac.New(sha256.New, l.hmacKey.Bytes())
	fmt.Fprintf(mac, "%d|%s|%s", rec.Sequence, rec.PrevHash, rec.Data)
	return hex.EncodeToString(mac.Sum(nil))
}

// writeRecord appends a record to the current month's log file
func (l *Logger) writeRecord(rec *Record) error {
	filename := time.Now().UTC().Format("2006-01") + ".jsonl"
	path := filepath.Join(l.path, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal record: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write record: %w", err)
	}

	return nil
}

// ChainState holds the persistent chain state
type ChainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// loadChainState loads the chain state from metadata file
func (l *Logger) loadChainState() error {
	metaPath := filepath.Join(l.path, "audit.meta")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}

	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

// saveChainState saves the chain state to metadata file
func (l *Logger) saveChainState() error {
	state := ChainState{
		Sequence: l.sequence,
		PrevHash: l.prevHash,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}

	metaPath := filepath.Join(l.path, "audit.meta")
	if err := os.WriteFile(metaPath, data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}

	return nil
}

// generateSessionID creates a unique session identifier
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// generateULID creates a ULID-like identifier
// Using timestamp + random for time-sortable unique IDs
func generateULID() string {
	// Timestamp component (48 bits = 6 bytes)
	ts := time.Now().UnixMilli()
	tsBytes := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		tsBytes[i] = byte(ts & 0xFF)
		ts >>= 8
	}

	// Random component (80 bits = 10 bytes)
	randBytes := make([]byte, 10)
	if _, err := rand.Read(randBytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}

	return hex.EncodeToString(append(tsBytes, randBytes...))
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify checks the integrity of the audit log chain and that every record decrypts.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.keyed() {
		return nil, ErrKeyNotSet
	}

	records, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrevHash := genesisHash
	var expectedSeq int64 = 1

	for i := range records {
		rec := &records[i]
		result.RecordsTotal++
		ok := true

		if rec.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %d: expected %d", rec.Sequence, expectedSeq))
		}
		if rec.PrevHash != expectedPrevHash {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %d: expected prev %s, got %s",
				rec.Sequence, expectedPrevHash, rec.PrevHash))
		}
		if !hmac.Equal([]byte(rec.HMAC), []byte(l.computeHMAC(rec))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %d: possible tampering", rec.Sequence))
		} else if _, err := l.openRecord(rec); err != nil {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"record %d does not decrypt", rec.Sequence))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrevHash = rec.HMAC
		expectedSeq = rec.Sequence + 1
	}

	return result, nil
}

func (l *Logger) openRecord(rec *Record) (*AuditEvent, error) {
	sealed, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return nil, crypto.ErrDecryptionFailed
	}
	plaintext, err := crypto.Open(l.sealKey.Bytes(), sealed, recordAAD(rec.Sequence))
	if err != nil {
		return nil, err
	}
	defer secmem.WipeBytes(plaintext)

	var event AuditEvent
	if err := json.Unmarshal(plaintext, &event); err != nil {
		return nil, fmt.Errorf("audit: malformed event %d: %w", rec.Sequence, err)
	}
	event.Sequence = rec.Sequence
	return &event, nil
}

// readAll reads every record from every log file in chronological order.
func (l *Logger) readAll() ([]Record, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl names sort chronologically
	sort.Strings(files)

	var records []Record
	for _, file := range files {
		recs, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		records = append(records, recs...)
	}
	return records, nil
}

// readLogFile reads all records from a log file
func readLogFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// splitLines splits data into lines
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ListEvents decrypts and returns audit events.
// limit: maximum number of events to return (0 = all)
// since: only return events after this time (zero = no filter)
// Records that fail to decrypt are skipped; Verify reports them.
func (l *Logger) ListEvents(limit int, since time.Time) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.keyed() {
		return nil, ErrKeyNotSet
	}

	records, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var events []AuditEvent
	for i := range records {
		event, err := l.openRecord(&records[i])
		if err != nil {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil || !ts.After(since) {
				continue
			}
		}
		events = append(events, *event)
	}

	// Apply limit (return most recent events)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}
