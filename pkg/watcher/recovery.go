package watcher

import (
	"time"

	"go.uber.org/zap"

	"github.com/runward/runward/pkg/lifecycle"
)

// Recover re-scans the store after a restart and resumes or settles every
// non-terminal job. Jobs in running with a live pid get a fresh watcher (with
// no process handle); jobs in awaiting_artifacts resume the gate against the
// original deadline. A job whose pid is gone with no recorded exit code is
// blocked: the end state is unknown and must not be guessed. Returns the
// number of jobs resumed.
func (s *Supervisor) Recover() (int, error) {
	jobs, err := s.store.List()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range jobs {
		job := jobs[i]
		log := s.logger.With(zap.String("job_id", job.JobID))

		switch job.State {
		case lifecycle.StateRunning:
			if job.ExitCode == nil && !lifecycle.IsProcessAlive(job.PID) {
				s.markRecoveryMismatch(job.JobID, log)
				continue
			}
			log.Info("re-attaching watcher after restart", zap.Int("pid", job.PID))
			jobID, watch, pid := job.JobID, job.Watch, job.PID
			s.group.Go(func() error {
				s.watch(jobID, watch, nil, pid)
				return nil
			})
			resumed++

		case lifecycle.StateAwaitingArtifacts:
			if job.ExitCode == nil {
				s.markRecoveryMismatch(job.JobID, log)
				continue
			}
			remaining := gateRemaining(&job)
			log.Info("resuming artifact gate after restart", zap.Duration("remaining", remaining))
			jobID, watch := job.JobID, job.Watch
			s.group.Go(func() error {
				s.runGate(jobID, watch, remaining)
				return nil
			})
			resumed++
		}
		// callback_queued and callback_running need no action: the enqueue
		// already happened (callbackEnqueued guards re-evaluation) and the
		// external runner drives the remaining transitions.
	}
	return resumed, nil
}

// gateRemaining computes how much of the gate deadline is left, anchored on
// the history entry that entered awaiting_artifacts. Negative remainders
// clamp to zero, which still allows one final scan before timing out.
func gateRemaining(job *lifecycle.JobRecord) time.Duration {
	entered := job.CreatedAt
	for i := len(job.History) - 1; i >= 0; i-- {
		if job.History[i].State == lifecycle.StateAwaitingArtifacts {
			entered = job.History[i].TS
			break
		}
	}
	deadline := entered.Add(time.Duration(job.Watch.ReadyTimeoutSec) * time.Second)
	remaining := time.Until(deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}
