package duress

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/vaultsync/pkg/audit"
	"github.com/forest6511/vaultsync/pkg/crypto"
	"github.com/forest6511/vaultsync/pkg/secmem"
)

// Event is one forensic record of a duress trigger.
type Event struct {
	Time    time.Time
	Source  string
	Trigger int
}

// ForensicSink records duress triggers. Append never fails visibly.
type ForensicSink interface {
	Append(Event)
}

// appendEvent hands ev to sink. A panicking sink is contained so the
// duress flow always completes.
func appendEvent(sink ForensicSink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Msg("forensic sink failed")
		}
	}()
	sink.Append(ev)
}

// journal writes trigger events to an audit log keyed from the config key,
// so the real vault owner can read it and nothing else can.
type journal struct {
	logger *audit.Logger
}

func journalPath(dir string) string { return filepath.Join(dir, JournalDirName) }

func openJournal(dir string, configKey []byte) (*journal, error) {
	key, err := crypto.ExpandKey(configKey, journalInfo)
	if err != nil {
		return nil, err
	}
	defer secmem.WipeBytes(key)
	logger := audit.NewLogger(journalPath(dir))
	if err := logger.SetKey(key); err != nil {
		logger.Close()
		return nil, err
	}
	return &journal{logger: logger}, nil
}

func (j *journal) Append(ev Event) {
	ctx := map[string]interface{}{
		"trigger": ev.Trigger,
		"at":      ev.Time.UTC().Format(time.RFC3339),
	}
	if err := j.logger.Log(audit.OpDuressTrigger, ev.Source, audit.ResultSuccess, "", nil, ctx); err != nil {
		log.Debug().Err(err).Msg("journal append failed")
	}
}

func (j *journal) events(limit int) ([]audit.AuditEvent, error) {
	return j.logger.ListEvents(limit, time.Time{})
}

func (j *journal) close() { j.logger.Close() }
