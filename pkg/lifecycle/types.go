package lifecycle

import (
	"time"

	"github.com/runward/runward/pkg/manifest"
)

// State is the lifecycle state of a managed job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type State string

const (
	StateQueued            State = "queued"
	StateRunning           State = "running"
	StateExited            State = "exited"
	StateAwaitingArtifacts State = "awaiting_artifacts"
	StateCallbackQueued    State = "callback_queued"
	StateCallbackRunning   State = "callback_running"
	StateCompleted         State = "completed"
	StateBlocked           State = "blocked"
	StateFailed            State = "failed"
)

// IsTerminal reports whether s is an end state. Terminal jobs are archived on
// disk, never deleted (except by explicit gc).
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateBlocked, StateFailed:
		return true
	}
	return false
}

// transitions is the directed graph of legal state changes. Every mutation
// goes through Store.Transition, which enforces it; nothing skips an
// intermediate state.
var transitions = map[State][]State{
	StateQueued:            {StateRunning, StateBlocked, StateFailed},
	StateRunning:           {StateExited, StateFailed, StateBlocked},
	StateExited:            {StateAwaitingArtifacts, StateCallbackQueued, StateCompleted, StateFailed},
	StateAwaitingArtifacts: {StateCallbackQueued, StateCompleted, StateBlocked, StateFailed},
	StateCallbackQueued:    {StateCallbackRunning},
	StateCallbackRunning:   {StateCompleted, StateFailed},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VisibilityStatus is the advisory heartbeat status. It never affects the
// primary state.
type VisibilityStatus string

const (
	VisibilityOK       VisibilityStatus = "ok"
	VisibilityDegraded VisibilityStatus = "degraded"
)

// StateChange is one append-only history entry. History is the audit trail
// and the basis for restart recovery; entries are never mutated.
type StateChange struct {
	State   State          `json:"state"`
	TS      time.Time      `json:"ts"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID           string                    `json:"job_id"`
	ConversationKey string                    `json:"conversation_key"`
	Command         string                    `json:"command"`
	State           State                     `json:"state"`
	PID             int                       `json:"pid,omitempty"`
	Watch           manifest.WatchSpec        `json:"watch"`
	Preflight       []manifest.PreflightCheck `json:"preflight,omitempty"`

	History []StateChange `json:"history"`

	ExitCode         *int             `json:"exit_code,omitempty"`
	OutputTail       []string         `json:"output_tail,omitempty"`
	Visibility       VisibilityStatus `json:"visibility_status"`
	CallbackEnqueued bool             `json:"callback_enqueued"`
	CallbackTaskID   string           `json:"callback_task_id,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	OutputPath string `json:"output_path,omitempty"`
}

// LastChange returns the most recent history entry, or nil for an empty
// history.
func (r *JobRecord) LastChange() *StateChange {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}
