package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/forest6511/vaultsync/pkg/transfer"
)

var (
	okMark   = color.GreenString("✓")
	failMark = color.RedString("✗")
	warnMark = color.YellowString("!")
	arrow    = color.CyanString("→")
)

func success(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", okMark, fmt.Sprintf(format, args...))
}

func warn(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", warnMark, fmt.Sprintf(format, args...))
}

func hint(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", arrow, fmt.Sprintf(format, args...))
}

// ago renders a time relative to now, or "never".
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func millisAgo(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(ms))
}

// progressSpinner shows transfer progress on stderr.
type progressSpinner struct {
	s     *spinner.Spinner
	label string
}

func newProgressSpinner(label string) *progressSpinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + label
	if isTerminal(int(os.Stderr.Fd())) {
		s.Start()
	}
	return &progressSpinner{s: s, label: label}
}

// update is a transfer.ProgressFunc.
func (p *progressSpinner) update(pr transfer.Progress) {
	suffix := fmt.Sprintf(" %s %s %d/%d chunks (%s)", p.label, shortID(pr.EntryID), pr.Done, pr.Total, humanize.IBytes(uint64(pr.Bytes)))
	p.s.Lock()
	p.s.Suffix = suffix
	p.s.Unlock()
}

func (p *progressSpinner) stop() {
	p.s.Stop()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
