package conflict

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/forest6511/vaultsync/pkg/vault"
)

// Strategy is a resolution policy.
type Strategy string

const (
	KeepLocal  Strategy = "keep_local"
	KeepRemote Strategy = "keep_remote"
	KeepNewest Strategy = "keep_newest"
	KeepBoth   Strategy = "keep_both"
	Merge      Strategy = "merge"
	Skip       Strategy = "skip"
	Delete     Strategy = "delete"
)

var (
	ErrUnknownStrategy     = errors.New("conflict: unknown strategy")
	ErrMergeUnsupported    = errors.New("conflict: merge is only supported for password entries present on both sides")
	ErrKeepBothUnsupported = errors.New("conflict: keep_both is not supported for file entries")
	// ErrConflictUnresolved marks a conflict that was deferred and will be
	// reported again on the next sync.
	ErrConflictUnresolved = errors.New("conflict: unresolved")
)

// Strategies lists every strategy.
var Strategies = []Strategy{KeepLocal, KeepRemote, KeepNewest, KeepBoth, Merge, Skip, Delete}

// ParseStrategy converts a name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Side picks one copy of a field.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

// MergeChoice selects the source of each field of a merged password entry.
// The zero value keeps every local field.
type MergeChoice struct {
	Title    Side
	Username Side
	Password Side
	URL      Side
	Notes    Side
}

// Resolution is the decided end state of one conflicting entry. Result is
// written to both sides under EntryID; a nil Result deletes it from both.
// Clone, when set, is an additional entry to create on both sides.
type Resolution struct {
	EntryID  string
	Conflict Kind
	Strategy Strategy
	Result   *vault.Entry
	Clone    *vault.Entry
	Deferred bool
}

// cloneSuffixLayout stamps the disambiguating title of a keep_both copy.
const cloneSuffixLayout = "2006-01-02 15:04"

// Resolve applies strategy to c. now is the current time in Unix
// milliseconds; choice is used only by Merge.
func Resolve(c Conflict, strategy Strategy, now int64, choice MergeChoice) (Resolution, error) {
	res := Resolution{EntryID: c.EntryID, Conflict: c.Kind, Strategy: strategy}
	l, r := c.Local, c.Remote

	switch strategy {
	case Skip:
		res.Deferred = true
	case Delete:
	case KeepLocal:
		res.Result = l.Clone()
	case KeepRemote:
		res.Result = r.Clone()
	case KeepNewest:
		res.Result = newest(l, r).Clone()
	case KeepBoth:
		if l == nil || r == nil {
			res.Result = newest(l, r).Clone()
			break
		}
		if l.Kind == vault.KindFile || r.Kind == vault.KindFile {
			return Resolution{}, ErrKeepBothUnsupported
		}
		res.Result = l.Clone()
		res.Clone = cloneRemote(r, now)
	case Merge:
		merged, err := merge(l, r, now, choice)
		if err != nil {
			return Resolution{}, err
		}
		res.Result = merged
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return res, nil
}

// newest returns the side with the later modified time. Ties and a missing
// remote favour local; a missing local favours remote.
func newest(l, r *vault.Entry) *vault.Entry {
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	case r.Modified > l.Modified:
		return r
	default:
		return l
	}
}

func cloneRemote(r *vault.Entry, now int64) *vault.Entry {
	c := r.Clone()
	c.ID = uuid.NewString()
	suffix := fmt.Sprintf(" (remote %s)", time.UnixMilli(now).UTC().Format(cloneSuffixLayout))
	title := c.Title
	for limit := vault.MaxTitleLength - len(suffix); len(title) > limit; {
		_, size := utf8.DecodeLastRuneInString(title)
		title = title[:len(title)-size]
	}
	c.Title = title + suffix
	c.Created = now
	c.Modified = now
	return c
}

func merge(l, r *vault.Entry, now int64, choice MergeChoice) (*vault.Entry, error) {
	if l == nil || r == nil || l.Kind != vault.KindPassword || r.Kind != vault.KindPassword ||
		l.Password == nil || r.Password == nil {
		return nil, ErrMergeUnsupported
	}
	pick := func(side Side, local, remote string) string {
		if side == SideRemote {
			return remote
		}
		return local
	}
	m := l.Clone()
	m.Title = pick(choice.Title, l.Title, r.Title)
	m.Password.Username = pick(choice.Username, l.Password.Username, r.Password.Username)
	m.Password.Password = pick(choice.Password, l.Password.Password, r.Password.Password)
	m.Password.URL = pick(choice.URL, l.Password.URL, r.Password.URL)
	m.Password.Notes = pick(choice.Notes, l.Password.Notes, r.Password.Notes)
	m.Created = min(l.Created, r.Created)
	m.Modified = max(now, l.Modified, r.Modified)
	return m, nil
}

// Decider chooses how to resolve a conflict. It is where interactive
// prompting plugs in.
type Decider interface {
	Decide(c Conflict) (Strategy, MergeChoice, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(c Conflict) (Strategy, MergeChoice, error)

// Decide calls f.
func (f DeciderFunc) Decide(c Conflict) (Strategy, MergeChoice, error) { return f(c) }

// BatchDecider applies one strategy to every conflict. Merge keeps local
// fields.
func BatchDecider(strategy Strategy) Decider {
	return DeciderFunc(func(Conflict) (Strategy, MergeChoice, error) {
		return strategy, MergeChoice{}, nil
	})
}

// ResolveAll resolves every conflict with d. Conflicts that fail to resolve
// are left out of the result and their errors are joined.
func ResolveAll(conflicts []Conflict, d Decider, now int64) ([]Resolution, error) {
	var (
		out  []Resolution
		errs []error
	)
	for _, c := range conflicts {
		strategy, choice, err := d.Decide(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("conflict: %s: %w", c.EntryID, err))
			continue
		}
		res, err := Resolve(c, strategy, now, choice)
		if err != nil {
			errs = append(errs, fmt.Errorf("conflict: %s: %w", c.EntryID, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}
