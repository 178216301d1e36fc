// Package visibility tracks progress-signal SLOs for running jobs.
//
// Two SLOs apply per job: the first progress signal must arrive within a
// startup window of spawn, and subsequent signals must keep arriving at the
// heartbeat interval. Missing either marks the job degraded. The status is
// advisory: it never drives a state transition, it tells an operator that a
// live process has gone quiet.
package visibility

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/runward/runward/pkg/events"
	"github.com/runward/runward/pkg/lifecycle"
)

// Thresholds are the two SLO windows.
type Thresholds struct {
	StartupWindow     time.Duration
	HeartbeatInterval time.Duration
}

// StandardThresholds returns the documented defaults.
func StandardThresholds() Thresholds {
	return Thresholds{
		StartupWindow:     90 * time.Second,
		HeartbeatInterval: 180 * time.Second,
	}
}

// Evaluate computes the advisory status for a record at a point in time.
// Non-running jobs keep whatever status they last had.
func Evaluate(rec *lifecycle.JobRecord, th Thresholds, now time.Time) lifecycle.VisibilityStatus {
	if rec.State != lifecycle.StateRunning {
		return rec.Visibility
	}
	if rec.LastHeartbeat == nil {
		start := rec.CreatedAt
		if rec.StartedAt != nil {
			start = *rec.StartedAt
		}
		if now.Sub(start) > th.StartupWindow {
			return lifecycle.VisibilityDegraded
		}
		return lifecycle.VisibilityOK
	}
	if now.Sub(*rec.LastHeartbeat) > th.HeartbeatInterval {
		return lifecycle.VisibilityDegraded
	}
	return lifecycle.VisibilityOK
}

// Monitor periodically re-evaluates every running job and persists status
// flips. The watcher writes heartbeats; the monitor only reads them.
type Monitor struct {
	store      *lifecycle.Store
	events     events.Writer
	logger     *zap.Logger
	thresholds Thresholds
}

func NewMonitor(store *lifecycle.Store, ev events.Writer, logger *zap.Logger, th Thresholds) *Monitor {
	if ev == nil {
		ev = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, events: ev, logger: logger, thresholds: th}
}

// Check evaluates every job once and persists any status change. Returns the
// number of jobs currently degraded.
func (m *Monitor) Check(ctx context.Context, now time.Time) (int, error) {
	jobs, err := m.store.List()
	if err != nil {
		return 0, err
	}
	degraded := 0
	for i := range jobs {
		job := &jobs[i]
		status := Evaluate(job, m.thresholds, now)
		if status == lifecycle.VisibilityDegraded {
			degraded++
		}
		if status == job.Visibility {
			continue
		}
		if _, err := m.store.Update(job.JobID, func(r *lifecycle.JobRecord) error {
			r.Visibility = status
			return nil
		}); err != nil {
			m.logger.Warn("persist visibility status failed",
				zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		if status == lifecycle.VisibilityDegraded {
			m.logger.Warn("job visibility degraded", zap.String("job_id", job.JobID))
			_ = m.events.WriteEvent(ctx, events.JobVisibilityDegraded, job.JobID, map[string]any{
				"last_heartbeat": job.LastHeartbeat,
			})
		}
	}
	return degraded, nil
}

// Run re-checks on the given interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := m.Check(ctx, now.UTC()); err != nil {
				m.logger.Warn("visibility check failed", zap.Error(err))
			}
		}
	}
}
