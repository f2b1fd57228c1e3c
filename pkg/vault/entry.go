package vault

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// EntryKind tags which payload an Entry carries.
type EntryKind string

const (
	KindPassword EntryKind = "password"
	KindNote     EntryKind = "note"
	KindFile     EntryKind = "file"
)

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindPassword, KindNote, KindFile:
		return true
	}
	return false
}

// Input validation limits
const (
	MaxTitleLength = 256
	MaxNotesSize   = 10 * 1024 // 10 KB
	MaxURLLength   = 2048      // RFC 3986 practical limit
	MaxSecretSize  = 64 * 1024
	MaxNoteBody    = 1024 * 1024
)

var (
	ErrTitleEmpty       = errors.New("vault: title is required")
	ErrTitleTooLong     = errors.New("vault: title too long")
	ErrKindInvalid      = errors.New("vault: unknown entry kind")
	ErrPayloadMismatch  = errors.New("vault: payload does not match entry kind")
	ErrNotesTooLarge    = errors.New("vault: notes too large")
	ErrURLTooLong       = errors.New("vault: url too long")
	ErrURLInvalid       = errors.New("vault: invalid url format")
	ErrValueTooLarge    = errors.New("vault: value too large")
	ErrKindChangeDenied = errors.New("vault: entry kind cannot change")
)

// PasswordData is the payload of a password entry.
type PasswordData struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
	URL      string `json:"url,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// NoteData is the payload of a secure note.
type NoteData struct {
	Body string `json:"body"`
}

// FileData describes an imported file. The content itself lives in chunks.
type FileData struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"` // hex SHA-256 of the plaintext
	ChunkSize  int    `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
}

// Entry is a vault record. Exactly one of Password, Note or File is set,
// matching Kind. Created and Modified are Unix milliseconds.
type Entry struct {
	ID       string        `json:"id"`
	Kind     EntryKind     `json:"kind"`
	Title    string        `json:"title"`
	Password *PasswordData `json:"password,omitempty"`
	Note     *NoteData     `json:"note,omitempty"`
	File     *FileData     `json:"file,omitempty"`
	Created  int64         `json:"created"`
	Modified int64         `json:"modified"`
}

// NewPasswordEntry builds an unsaved password entry.
func NewPasswordEntry(title string, data PasswordData) *Entry {
	return &Entry{Kind: KindPassword, Title: title, Password: &data}
}

// NewNoteEntry builds an unsaved note entry.
func NewNoteEntry(title, body string) *Entry {
	return &Entry{Kind: KindNote, Title: title, Note: &NoteData{Body: body}}
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Password != nil {
		p := *e.Password
		c.Password = &p
	}
	if e.Note != nil {
		n := *e.Note
		c.Note = &n
	}
	if e.File != nil {
		f := *e.File
		c.File = &f
	}
	return &c
}

// Validate checks the title and dispatches on Kind to validate the payload.
func (e *Entry) Validate() error {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		return ErrTitleEmpty
	}
	if len(e.Title) > MaxTitleLength {
		return fmt.Errorf("%w: %d characters exceeds maximum of %d", ErrTitleTooLong, len(e.Title), MaxTitleLength)
	}

	switch e.Kind {
	case KindPassword:
		if e.Password == nil || e.Note != nil || e.File != nil {
			return ErrPayloadMismatch
		}
		return e.Password.validate()
	case KindNote:
		if e.Note == nil || e.Password != nil || e.File != nil {
			return ErrPayloadMismatch
		}
		if len(e.Note.Body) > MaxNoteBody {
			return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes", ErrValueTooLarge, len(e.Note.Body), MaxNoteBody)
		}
		return nil
	case KindFile:
		if e.File == nil || e.Password != nil || e.Note != nil {
			return ErrPayloadMismatch
		}
		if e.File.ChunkCount < 1 || e.File.ChunkSize < 1 || e.File.Size < 0 {
			return fmt.Errorf("%w: invalid file layout", ErrPayloadMismatch)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrKindInvalid, e.Kind)
	}
}

func (p *PasswordData) validate() error {
	if len(p.Password) > MaxSecretSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes", ErrValueTooLarge, len(p.Password), MaxSecretSize)
	}
	if len(p.Notes) > MaxNotesSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes", ErrNotesTooLarge, len(p.Notes), MaxNotesSize)
	}
	if p.URL == "" {
		return nil
	}
	if len(p.URL) > MaxURLLength {
		return fmt.Errorf("%w: %d characters exceeds maximum of %d", ErrURLTooLong, len(p.URL), MaxURLLength)
	}
	parsed, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURLInvalid, err)
	}
	// Only allow http and https schemes to prevent javascript: and other dangerous schemes
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: only http and https schemes are allowed", ErrURLInvalid)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrURLInvalid)
	}
	return nil
}
