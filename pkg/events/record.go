// Package events provides the JSONL lifecycle event stream.
//
// Events are structured as typed record envelopes. Each line is a
// self-contained JSON object that an observability collaborator can parse
// independently; the core never interprets them itself.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// TypeEvent is the envelope type for lifecycle events.
// The pattern is runward.<type>.v<version>.
const TypeEvent = "runward.event.v1"

// Lifecycle event names.
const (
	JobStarted             = "job.started"
	JobExited              = "job.exited"
	JobAwaitArtifactsStart = "job.await_artifacts.start"
	JobAwaitArtifactsReady = "job.await_artifacts.ready"
	JobAwaitArtifactsTimeout = "job.await_artifacts.timeout"
	JobAwaitArtifactsError = "job.await_artifacts.error"
	JobThenTaskQueued      = "job.then_task.queued"
	JobBlocked             = "job.blocked"
	JobFailed              = "job.failed"
	JobCompleted           = "job.completed"
	JobStopped             = "job.stopped"
	JobVisibilityDegraded  = "job.visibility.degraded"
	JobPreflightWarn       = "job.preflight.warn"
	JobWaitPatternWarn     = "job.wait_pattern.warn"
)

// Record is the envelope for every JSONL line.
type Record struct {
	// Type identifies the record schema version.
	Type string `json:"type"`

	// TS is when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// Event is the lifecycle event name (e.g. "job.exited").
	Event string `json:"event"`

	// JobID correlates the event to a job.
	JobID string `json:"job_id"`

	// Data carries event-specific details as raw JSON.
	Data json.RawMessage `json:"data,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "events: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
