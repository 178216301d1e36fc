// Package watcher drives job lifecycles from spawn to terminal state.
//
// The Supervisor owns one polling goroutine per active job. Each goroutine
// watches its process, refreshes the output tail, and on exit hands the job
// to the artifact gate and the callback enqueuer. All state mutations go
// through the lifecycle store's per-job critical sections, so duplicate
// evaluation (a racing tick, restart re-scanning) collapses to no-ops.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runward/runward/pkg/artifact"
	"github.com/runward/runward/pkg/events"
	"github.com/runward/runward/pkg/launcher"
	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/manifest"
	"github.com/runward/runward/pkg/preflight"
	"github.com/runward/runward/pkg/taskqueue"
	"github.com/runward/runward/pkg/waitguard"
)

// Options tune supervisor behavior.
type Options struct {
	// GuardMode is the wait-pattern guard mode. Empty means warn.
	GuardMode waitguard.Mode

	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// GateScansPerSec caps aggregate artifact polling across all jobs.
	// Non-positive means unlimited.
	GateScansPerSec float64
}

func (o *Options) setDefaults() {
	if o.GuardMode == "" {
		o.GuardMode = waitguard.ModeWarn
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
}

// Supervisor launches jobs and runs their watchers until ctx ends.
type Supervisor struct {
	ctx      context.Context
	store    *lifecycle.Store
	launcher *launcher.Launcher
	queue    taskqueue.Queue
	gate     *artifact.Gate
	events   events.Writer
	logger   *zap.Logger
	opts     Options

	group *errgroup.Group
}

// NewSupervisor builds a supervisor. ctx bounds the lifetime of every watcher
// goroutine; a per-request context must not be used here, since watchers
// outlive the requests that start them.
func NewSupervisor(ctx context.Context, store *lifecycle.Store, queue taskqueue.Queue, ev events.Writer, logger *zap.Logger, opts Options) *Supervisor {
	opts.setDefaults()
	if ev == nil {
		ev = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		ctx:      ctx,
		store:    store,
		launcher: launcher.NewLauncher(store),
		queue:    queue,
		gate:     artifact.NewGate(opts.GateScansPerSec),
		events:   ev,
		logger:   logger,
		opts:     opts,
		group:    &errgroup.Group{},
	}
}

// Wait blocks until every watcher goroutine has finished.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// Start validates, guards, spawns, and begins watching one job. The returned
// record reflects the state after spawn (running) or after a rejection
// (blocked/failed, with the matching typed error).
func (s *Supervisor) Start(spec *manifest.JobSpec) (*lifecycle.JobRecord, error) {
	jobID := uuid.New().String()
	rec := lifecycle.NewRecord(jobID, spec)
	if err := s.store.Create(rec); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("job_id", jobID))

	rep := preflight.Run(s.ctx, spec.Preflight)
	for _, w := range rep.Warnings() {
		log.Warn("preflight check failed (warn)", zap.String("check", w.Type), zap.String("detail", w.Detail))
		_ = s.events.WriteEvent(s.ctx, events.JobPreflightWarn, jobID, map[string]any{
			"check": w.Type, "detail": w.Detail,
		})
	}
	if rej := rep.Rejection(); rej != nil {
		rec, err := s.store.Transition(jobID, lifecycle.StateBlocked, lifecycle.ReasonPreflightRejected, map[string]any{
			"check": rej.Type, "detail": rej.Detail,
		}, nil)
		if err != nil {
			return nil, err
		}
		_ = s.events.WriteEvent(s.ctx, events.JobBlocked, jobID, map[string]any{"reason": lifecycle.ReasonPreflightRejected})
		return rec, &lifecycle.PreflightRejectedError{CheckType: rej.Type, Reason: rej.Detail}
	}

	if s.opts.GuardMode != waitguard.ModeOff {
		if g := waitguard.Inspect(spec.Command); g.Flagged() {
			pattern := g.SelfMatching[0].Pattern
			if s.opts.GuardMode == waitguard.ModeReject {
				rec, err := s.store.Transition(jobID, lifecycle.StateBlocked, lifecycle.ReasonWaitPatternRejected, map[string]any{
					"pattern": pattern,
				}, nil)
				if err != nil {
					return nil, err
				}
				_ = s.events.WriteEvent(s.ctx, events.JobBlocked, jobID, map[string]any{"reason": lifecycle.ReasonWaitPatternRejected, "pattern": pattern})
				return rec, &lifecycle.WaitPatternRejectedError{Pattern: pattern}
			}
			log.Warn("wait pattern matches the command's own invocation", zap.String("pattern", pattern))
			_ = s.events.WriteEvent(s.ctx, events.JobWaitPatternWarn, jobID, map[string]any{"pattern": pattern})
		}
	}

	h, err := s.launcher.Spawn(jobID, spec.Command)
	if err != nil {
		rec, terr := s.store.Transition(jobID, lifecycle.StateFailed, lifecycle.ReasonProcessSpawnFailed, map[string]any{
			"error": err.Error(),
		}, nil)
		if terr != nil {
			return nil, terr
		}
		_ = s.events.WriteEvent(s.ctx, events.JobFailed, jobID, map[string]any{"reason": lifecycle.ReasonProcessSpawnFailed, "error": err.Error()})
		return rec, err
	}

	rec, err = s.store.Transition(jobID, lifecycle.StateRunning, "", map[string]any{"pid": h.PID}, func(r *lifecycle.JobRecord) {
		r.PID = h.PID
		r.OutputPath = s.store.OutputPath(jobID)
	})
	if err != nil {
		return nil, err
	}
	log.Info("job started", zap.Int("pid", h.PID))
	_ = s.events.WriteEvent(s.ctx, events.JobStarted, jobID, map[string]any{"pid": h.PID, "command": spec.Command})

	s.group.Go(func() error {
		s.watch(jobID, spec.Watch, h, h.PID)
		return nil
	})
	return rec, nil
}

// Stop terminates a running job's process group and marks the job failed with
// the canceled reason. The watcher's own exit observation then finds the job
// already terminal and stands down.
func (s *Supervisor) Stop(jobID string) (*lifecycle.JobRecord, error) {
	rec, err := s.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if rec.State != lifecycle.StateRunning {
		return nil, fmt.Errorf("job %s is not running (state=%s)", jobID, rec.State)
	}

	forced, stopErr := launcher.Stop(rec.PID, s.opts.StopGrace)
	if stopErr != nil {
		s.logger.Warn("stop signaling failed", zap.String("job_id", jobID), zap.Error(stopErr))
	}

	rec, err = s.store.Transition(jobID, lifecycle.StateFailed, lifecycle.ReasonCanceled, map[string]any{
		"pid": rec.PID, "forced_kill": forced,
	}, nil)
	if err != nil {
		return nil, err
	}
	_ = s.events.WriteEvent(s.ctx, events.JobStopped, jobID, map[string]any{"forced_kill": forced})
	return rec, nil
}

// watch polls one job until it reaches a state this goroutine no longer owns.
// h is nil for jobs re-attached after a restart; those have no exit channel
// and rely on pid liveness alone.
func (s *Supervisor) watch(jobID string, w manifest.WatchSpec, h *launcher.Handle, pid int) {
	log := s.logger.With(zap.String("job_id", jobID))
	ticker := time.NewTicker(time.Duration(w.EverySec) * time.Second)
	defer ticker.Stop()

	var exited <-chan launcher.ExitStatus
	if h != nil {
		exited = h.Exited()
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case st := <-exited:
			s.handleExit(jobID, w, st.Code)
			return
		case <-ticker.C:
			if h == nil && !lifecycle.IsProcessAlive(pid) {
				// Re-attached after restart: the exit code is unknowable, so
				// the end state must not be guessed.
				s.markRecoveryMismatch(jobID, log)
				return
			}
			if !s.tick(jobID, w, log) {
				return
			}
		}
	}
}

// tick refreshes the tail and heartbeat. Returns false when the job is no
// longer running (stopped externally), which ends the watch loop.
func (s *Supervisor) tick(jobID string, w manifest.WatchSpec, log *zap.Logger) bool {
	tail, err := launcher.TailFile(s.store.OutputPath(jobID), w.TailLines)
	if err != nil {
		log.Warn("tail refresh failed", zap.Error(err))
	}

	now := time.Now().UTC()
	_, err = s.store.Update(jobID, func(r *lifecycle.JobRecord) error {
		if r.State != lifecycle.StateRunning {
			return errNotRunning
		}
		if tail != nil {
			r.OutputTail = tail
		}
		r.LastHeartbeat = &now
		return nil
	})
	if err == errNotRunning {
		return false
	}
	if err != nil {
		log.Warn("heartbeat persist failed", zap.Error(err))
	}
	return true
}

var errNotRunning = fmt.Errorf("job is no longer running")

// handleExit records the exit and routes to the gate, the enqueuer, or a
// terminal state.
func (s *Supervisor) handleExit(jobID string, w manifest.WatchSpec, code int) {
	log := s.logger.With(zap.String("job_id", jobID))

	finalTail, _ := launcher.TailFile(s.store.OutputPath(jobID), w.TailLines)
	_, err := s.store.Transition(jobID, lifecycle.StateExited, "", map[string]any{"exit_code": code}, func(r *lifecycle.JobRecord) {
		r.ExitCode = &code
		if finalTail != nil {
			r.OutputTail = finalTail
		}
	})
	if err != nil {
		// Already stopped or otherwise terminal; someone else owns the job.
		log.Debug("exit transition skipped", zap.Error(err))
		return
	}
	log.Info("job exited", zap.Int("exit_code", code))
	_ = s.events.WriteEvent(s.ctx, events.JobExited, jobID, map[string]any{"exit_code": code})

	// A non-zero exit is always terminal. Missing files after a failed run
	// are expected, not gated.
	if code != 0 {
		reason := fmt.Sprintf("exit code %d", code)
		if _, err := s.store.Transition(jobID, lifecycle.StateFailed, reason, nil, nil); err != nil {
			log.Warn("fail transition skipped", zap.Error(err))
			return
		}
		_ = s.events.WriteEvent(s.ctx, events.JobFailed, jobID, map[string]any{"exit_code": code})
		return
	}

	if len(w.RequireFiles) > 0 {
		if _, err := s.store.Transition(jobID, lifecycle.StateAwaitingArtifacts, "", map[string]any{"require_files": w.RequireFiles}, nil); err != nil {
			log.Warn("gate transition skipped", zap.Error(err))
			return
		}
		_ = s.events.WriteEvent(s.ctx, events.JobAwaitArtifactsStart, jobID, map[string]any{"require_files": w.RequireFiles})
		s.runGate(jobID, w, time.Duration(w.ReadyTimeoutSec)*time.Second)
		return
	}

	s.finish(jobID, w, "")
}

// runGate polls for required files and finishes the job per the outcome.
func (s *Supervisor) runGate(jobID string, w manifest.WatchSpec, timeout time.Duration) {
	log := s.logger.With(zap.String("job_id", jobID))
	res := s.gate.Await(s.ctx, w.RequireFiles, timeout, time.Duration(w.ReadyPollSec)*time.Second)

	switch res.Outcome {
	case artifact.OutcomeReady:
		_ = s.events.WriteEvent(s.ctx, events.JobAwaitArtifactsReady, jobID, nil)
		s.finish(jobID, w, "")

	case artifact.OutcomeTimeout:
		_ = s.events.WriteEvent(s.ctx, events.JobAwaitArtifactsTimeout, jobID, map[string]any{"missing": res.Missing})
		if w.OnMissing == manifest.OnMissingProceed {
			note := fmt.Sprintf("note: required artifacts may be incomplete; missing at deadline: %s", strings.Join(res.Missing, ", "))
			s.finish(jobID, w, note)
			return
		}
		timeoutErr := &lifecycle.ArtifactTimeoutError{Missing: res.Missing}
		if _, err := s.store.Transition(jobID, lifecycle.StateBlocked, lifecycle.ReasonArtifactTimeout, map[string]any{
			"missing": res.Missing, "detail": timeoutErr.Error(),
		}, nil); err != nil {
			log.Warn("blocked transition skipped", zap.Error(err))
			return
		}
		log.Warn("artifacts missing at deadline", zap.Strings("missing", res.Missing))
		_ = s.events.WriteEvent(s.ctx, events.JobBlocked, jobID, map[string]any{"reason": lifecycle.ReasonArtifactTimeout, "missing": res.Missing})

	case artifact.OutcomeError:
		_ = s.events.WriteEvent(s.ctx, events.JobAwaitArtifactsError, jobID, map[string]any{"error": res.Err.Error()})
		if _, err := s.store.Transition(jobID, lifecycle.StateFailed, lifecycle.ReasonArtifactReadError, map[string]any{
			"error": res.Err.Error(),
		}, nil); err != nil {
			log.Warn("fail transition skipped", zap.Error(err))
			return
		}
		_ = s.events.WriteEvent(s.ctx, events.JobFailed, jobID, map[string]any{"reason": lifecycle.ReasonArtifactReadError})
	}
}

// finish enqueues the callback or completes the job. note, when non-empty, is
// appended to the callback text (onMissing=proceed tagging).
func (s *Supervisor) finish(jobID string, w manifest.WatchSpec, note string) {
	log := s.logger.With(zap.String("job_id", jobID))

	if w.ThenTask != "" && w.RunTasks {
		text := w.ThenTask
		if note != "" {
			text = text + "\n" + note
		}
		rec, did, err := s.store.EnqueueCallbackOnce(jobID, text, func(conversationKey, text, sourceJobID string) (string, error) {
			return s.queue.Enqueue(s.ctx, conversationKey, text, sourceJobID)
		})
		if err != nil {
			log.Error("callback enqueue failed", zap.Error(err))
			if _, terr := s.store.Transition(jobID, lifecycle.StateFailed, lifecycle.ReasonCallbackEnqueueFailed, map[string]any{
				"error": err.Error(),
			}, nil); terr != nil {
				log.Warn("fail transition skipped", zap.Error(terr))
			}
			_ = s.events.WriteEvent(s.ctx, events.JobFailed, jobID, map[string]any{"reason": lifecycle.ReasonCallbackEnqueueFailed})
			return
		}
		if did {
			log.Info("callback enqueued", zap.String("task_id", rec.CallbackTaskID))
			_ = s.events.WriteEvent(s.ctx, events.JobThenTaskQueued, jobID, map[string]any{"task_id": rec.CallbackTaskID})
		}
		return
	}

	if _, err := s.store.Transition(jobID, lifecycle.StateCompleted, "", nil, nil); err != nil {
		log.Warn("complete transition skipped", zap.Error(err))
		return
	}
	log.Info("job completed")
	_ = s.events.WriteEvent(s.ctx, events.JobCompleted, jobID, nil)
}

func (s *Supervisor) markRecoveryMismatch(jobID string, log *zap.Logger) {
	if _, err := s.store.Transition(jobID, lifecycle.StateBlocked, lifecycle.ReasonRestartRecoveryMismatch, map[string]any{
		"detail": "pid gone with no recorded exit code; end state unknown",
	}, nil); err != nil {
		log.Warn("recovery mismatch transition skipped", zap.Error(err))
		return
	}
	log.Warn("pid gone with no recorded exit code; job blocked")
	_ = s.events.WriteEvent(s.ctx, events.JobBlocked, jobID, map[string]any{"reason": lifecycle.ReasonRestartRecoveryMismatch})
}
