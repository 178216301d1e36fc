package lifecycle

import (
	"time"

	"github.com/runward/runward/pkg/manifest"
)

// NewRecord builds a fresh queued record for a validated spec. The caller
// registers it with Store.Create.
func NewRecord(jobID string, spec *manifest.JobSpec) *JobRecord {
	now := time.Now().UTC()
	return &JobRecord{
		JobID:           jobID,
		ConversationKey: spec.ConversationKey,
		Command:         spec.Command,
		State:           StateQueued,
		Watch:           spec.Watch,
		Preflight:       spec.Preflight,
		Visibility:      VisibilityOK,
		CreatedAt:       now,
		History: []StateChange{
			{State: StateQueued, TS: now},
		},
	}
}
