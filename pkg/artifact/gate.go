// Package artifact gates job completion on required output files.
//
// After a watched process exits successfully, the gate polls the filesystem
// until every required file exists with non-zero size, or a deadline passes.
// Required entries are literal paths or doublestar globs; a glob is satisfied
// when at least one match is a non-empty regular file.
package artifact

import (
	"context"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"github.com/runward/runward/pkg/lifecycle"
)

// Outcome is the gate verdict. Outcomes are recorded in job history; they are
// not lifecycle states.
type Outcome string

const (
	OutcomeReady   Outcome = "ready"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Result is the verdict for one job's gate run.
type Result struct {
	Outcome Outcome

	// Missing lists the entries still unsatisfied at timeout.
	Missing []string

	// Err is set for OutcomeError (an unreadable path, a bad glob, or a
	// cancelled wait).
	Err error
}

// Gate polls required files for jobs. One Gate is shared by all watchers; the
// limiter caps the aggregate filesystem stat load across concurrent jobs.
type Gate struct {
	limiter *rate.Limiter
}

// NewGate builds a gate scanning at most scansPerSec scans per second across
// all jobs. Non-positive means unlimited.
func NewGate(scansPerSec float64) *Gate {
	lim := rate.NewLimiter(rate.Inf, 1)
	if scansPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(scansPerSec), 1)
	}
	return &Gate{limiter: lim}
}

// Await polls until every entry is satisfied or the deadline passes. The
// first scan runs immediately so files already present do not cost a poll
// interval; the last scan runs at the deadline itself, so a poll interval
// longer than the remaining time never cuts the wait short.
func (g *Gate) Await(ctx context.Context, entries []string, timeout, poll time.Duration) Result {
	deadline := time.Now().Add(timeout)

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{Outcome: OutcomeError, Err: err}
		}

		missing, err := Scan(entries)
		if err != nil {
			return Result{Outcome: OutcomeError, Err: err}
		}
		if len(missing) == 0 {
			return Result{Outcome: OutcomeReady}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Outcome: OutcomeTimeout, Missing: missing}
		}

		wait := poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeError, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

// Scan checks every entry once and returns the unsatisfied ones.
func Scan(entries []string) ([]string, error) {
	var missing []string
	for _, entry := range entries {
		ok, err := satisfied(entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, entry)
		}
	}
	return missing, nil
}

func satisfied(entry string) (bool, error) {
	if !hasGlobMeta(entry) {
		return nonEmptyFile(entry)
	}
	matches, err := doublestar.FilepathGlob(entry)
	if err != nil {
		return false, &lifecycle.ArtifactReadError{Path: entry, Err: err}
	}
	for _, m := range matches {
		ok, err := nonEmptyFile(m)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func nonEmptyFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &lifecycle.ArtifactReadError{Path: path, Err: err}
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

func hasGlobMeta(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
