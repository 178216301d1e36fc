package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Reason codes recorded in history entries and terminal transitions. They
// match the error taxonomy so operators can correlate events, history, and
// returned errors.
const (
	ReasonPreflightRejected       = "PreflightRejected"
	ReasonWaitPatternRejected     = "WaitPatternRejected"
	ReasonProcessSpawnFailed      = "ProcessSpawnFailed"
	ReasonArtifactTimeout         = "ArtifactTimeout"
	ReasonArtifactReadError       = "ArtifactReadError"
	ReasonCallbackEnqueueFailed   = "CallbackEnqueueFailed"
	ReasonRestartRecoveryMismatch = "RestartRecoveryMismatch"
	ReasonCanceled                = "canceled"
)

// ErrNotFound is returned when a job id does not resolve to a record.
var ErrNotFound = errors.New("job not found")

// PreflightRejectedError reports a failed check with onFail=reject.
type PreflightRejectedError struct {
	CheckType string
	Reason    string
}

func (e *PreflightRejectedError) Error() string {
	return fmt.Sprintf("preflight rejected (%s): %s", e.CheckType, e.Reason)
}

// WaitPatternRejectedError reports a self-matching wait pattern found by the
// guard in reject mode.
type WaitPatternRejectedError struct {
	Pattern string
}

func (e *WaitPatternRejectedError) Error() string {
	return fmt.Sprintf("wait pattern %q matches the command's own invocation; the wait would never complete", e.Pattern)
}

// SpawnError reports a process that could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ArtifactTimeoutError reports required files still missing at the gate
// deadline. Missing carries the exact unmatched paths so an operator can act
// without re-deriving context from raw logs.
type ArtifactTimeoutError struct {
	Missing []string
}

func (e *ArtifactTimeoutError) Error() string {
	return "artifacts missing at deadline: " + strings.Join(e.Missing, ", ")
}

// ArtifactReadError reports a filesystem error while polling for artifacts.
type ArtifactReadError struct {
	Path string
	Err  error
}

func (e *ArtifactReadError) Error() string {
	return fmt.Sprintf("artifact check %q: %v", e.Path, e.Err)
}

func (e *ArtifactReadError) Unwrap() error { return e.Err }

// InvalidTransitionError reports an attempted edge not in the state graph.
type InvalidTransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
