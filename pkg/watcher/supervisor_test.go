package watcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/manifest"
	"github.com/runward/runward/pkg/taskqueue"
	"github.com/runward/runward/pkg/waitguard"
)

func testSpec(command string, mod func(*manifest.JobSpec)) *manifest.JobSpec {
	spec := &manifest.JobSpec{
		ConversationKey: "conv-test",
		Command:         command,
		Watch: manifest.WatchSpec{
			EverySec:        1,
			TailLines:       10,
			ReadyTimeoutSec: 2,
			ReadyPollSec:    1,
			OnMissing:       manifest.OnMissingBlock,
			RunTasks:        true,
		},
	}
	if mod != nil {
		mod(spec)
	}
	return spec
}

type fixture struct {
	store *lifecycle.Store
	queue *taskqueue.Memory
	sup   *Supervisor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := lifecycle.NewStore(t.TempDir())
	queue := taskqueue.NewMemory()
	return &fixture{
		store: store,
		queue: queue,
		sup:   NewSupervisor(ctx, store, queue, nil, nil, opts),
	}
}

func (f *fixture) waitState(t *testing.T, jobID string, want lifecycle.State) *lifecycle.JobRecord {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.store.Get(jobID)
		require.NoError(t, err)
		if rec.State == want {
			return rec
		}
		time.Sleep(50 * time.Millisecond)
	}
	rec, _ := f.store.Get(jobID)
	t.Fatalf("job %s never reached %s (state=%s)", jobID, want, rec.State)
	return nil
}

func historyStates(rec *lifecycle.JobRecord) []lifecycle.State {
	out := make([]lifecycle.State, 0, len(rec.History))
	for _, h := range rec.History {
		out = append(out, h.State)
	}
	return out
}

func TestStart_NoRequireFilesCompletes(t *testing.T) {
	f := newFixture(t, Options{})

	rec, err := f.sup.Start(testSpec("echo hi", nil))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, rec.State)

	final := f.waitState(t, rec.JobID, lifecycle.StateCompleted)
	assert.False(t, final.CallbackEnqueued)
	require.NotNil(t, final.ExitCode)
	assert.Zero(t, *final.ExitCode)
	assert.Equal(t, []lifecycle.State{
		lifecycle.StateQueued, lifecycle.StateRunning, lifecycle.StateExited, lifecycle.StateCompleted,
	}, historyStates(final))
	assert.Zero(t, final.PID)
}

func TestStart_ThenTaskEnqueuedExactlyOnce(t *testing.T) {
	f := newFixture(t, Options{})

	rec, err := f.sup.Start(testSpec("echo hi", func(s *manifest.JobSpec) {
		s.Watch.ThenTask = "analyze the run output"
	}))
	require.NoError(t, err)

	final := f.waitState(t, rec.JobID, lifecycle.StateCallbackQueued)
	assert.True(t, final.CallbackEnqueued)
	assert.NotEmpty(t, final.CallbackTaskID)

	tasks := f.queue.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "analyze the run output", tasks[0].Text)
	assert.Equal(t, "conv-test", tasks[0].ConversationKey)
	assert.Equal(t, rec.JobID, tasks[0].SourceJobID)
}

func TestStart_RunTasksFalseSkipsCallback(t *testing.T) {
	f := newFixture(t, Options{})

	rec, err := f.sup.Start(testSpec("echo hi", func(s *manifest.JobSpec) {
		s.Watch.ThenTask = "analyze"
		s.Watch.RunTasks = false
	}))
	require.NoError(t, err)

	final := f.waitState(t, rec.JobID, lifecycle.StateCompleted)
	assert.False(t, final.CallbackEnqueued)
	assert.Empty(t, f.queue.Tasks())
}

func TestStart_NonZeroExitIsTerminalFailed(t *testing.T) {
	f := newFixture(t, Options{})

	// requireFiles configured, but the gate must never run after a failed exit.
	rec, err := f.sup.Start(testSpec("exit 3", func(s *manifest.JobSpec) {
		s.Watch.RequireFiles = []string{filepath.Join(t.TempDir(), "out.csv")}
		s.Watch.ThenTask = "analyze"
	}))
	require.NoError(t, err)

	final := f.waitState(t, rec.JobID, lifecycle.StateFailed)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
	assert.Equal(t, "exit code 3", final.LastChange().Reason)
	assert.False(t, final.CallbackEnqueued)
	assert.NotContains(t, historyStates(final), lifecycle.StateAwaitingArtifacts)
}

func TestStart_RequireFilesReady(t *testing.T) {
	f := newFixture(t, Options{})
	out := filepath.Join(t.TempDir(), "out.csv")

	rec, err := f.sup.Start(testSpec(fmt.Sprintf("echo row > %s", out), func(s *manifest.JobSpec) {
		s.Watch.RequireFiles = []string{out}
		s.Watch.ThenTask = "summarize results"
		s.Watch.ReadyTimeoutSec = 10
	}))
	require.NoError(t, err)

	final := f.waitState(t, rec.JobID, lifecycle.StateCallbackQueued)
	assert.True(t, final.CallbackEnqueued)
	assert.Contains(t, historyStates(final), lifecycle.StateAwaitingArtifacts)
	require.Len(t, f.queue.Tasks(), 1)
	assert.Equal(t, "summarize results", f.queue.Tasks()[0].Text)
}

func TestStart_RequireFilesNeverAppearBlocks(t *testing.T) {
	f := newFixture(t, Options{})
	missing := filepath.Join(t.TempDir(), "out.txt")

	rec, err := f.sup.Start(testSpec("echo hi", func(s *manifest.JobSpec) {
		s.Watch.RequireFiles = []string{missing}
		s.Watch.ThenTask = "analyze"
	}))
	require.NoError(t, err)

	final := f.waitState(t, rec.JobID, lifecycle.StateBlocked)
	assert.False(t, final.CallbackEnqueued)
	assert.Empty(t, f.queue.Tasks())

	last := final.LastChange()
	assert.Equal(t, lifecycle.ReasonArtifactTimeout, last.Reason)
	detail := fmt.Sprintf("%v", last.Details)
	assert.Contains(t, detail, missing)
}

func TestStart_OnMissingProceedTagsCallback(t *testing.T) {
	f := newFixture(t, Options{})
	missing := filepath.Join(t.TempDir(), "out.txt")

	rec, err := f.sup.Start(testSpec("echo hi", func(s *manifest.JobSpec) {
		s.Watch.RequireFiles = []string{missing}
		s.Watch.ThenTask = "analyze"
		s.Watch.OnMissing = manifest.OnMissingProceed
	}))
	require.NoError(t, err)

	final := f.waitState(t, rec.JobID, lifecycle.StateCallbackQueued)
	assert.True(t, final.CallbackEnqueued)

	tasks := f.queue.Tasks()
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].Text, "analyze")
	assert.Contains(t, tasks[0].Text, "incomplete")
	assert.Contains(t, tasks[0].Text, missing)
}

func TestStart_PreflightRejectBlocksBeforeSpawn(t *testing.T) {
	f := newFixture(t, Options{})

	rec, err := f.sup.Start(testSpec("echo hi", func(s *manifest.JobSpec) {
		s.Preflight = []manifest.PreflightCheck{
			{Type: manifest.CheckPathExists, Params: map[string]any{"path": "/definitely/not/here"}},
		}
	}))
	var rejErr *lifecycle.PreflightRejectedError
	require.ErrorAs(t, err, &rejErr)
	assert.Equal(t, manifest.CheckPathExists, rejErr.CheckType)

	assert.Equal(t, lifecycle.StateBlocked, rec.State)
	assert.Equal(t, lifecycle.ReasonPreflightRejected, rec.LastChange().Reason)
	assert.NotContains(t, historyStates(rec), lifecycle.StateRunning)
}

func TestStart_PreflightWarnProceeds(t *testing.T) {
	f := newFixture(t, Options{})

	rec, err := f.sup.Start(testSpec("echo hi", func(s *manifest.JobSpec) {
		s.Preflight = []manifest.PreflightCheck{
			{Type: manifest.CheckPathExists, Params: map[string]any{"path": "/definitely/not/here"}, OnFail: manifest.OnFailWarn},
		}
	}))
	require.NoError(t, err)
	f.waitState(t, rec.JobID, lifecycle.StateCompleted)
}

func TestStart_WaitPatternRejectNeverRuns(t *testing.T) {
	f := newFixture(t, Options{GuardMode: waitguard.ModeReject})

	rec, err := f.sup.Start(testSpec("python train.py & while pgrep -f train.py; do sleep 5; done", nil))
	var guardErr *lifecycle.WaitPatternRejectedError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, "train.py", guardErr.Pattern)

	assert.Equal(t, lifecycle.StateBlocked, rec.State)
	assert.Equal(t, lifecycle.ReasonWaitPatternRejected, rec.LastChange().Reason)
	assert.NotContains(t, historyStates(rec), lifecycle.StateRunning)
}

func TestStart_WaitPatternWarnProceeds(t *testing.T) {
	f := newFixture(t, Options{GuardMode: waitguard.ModeWarn})

	rec, err := f.sup.Start(testSpec("echo ok; pgrep -f echo || true", nil))
	require.NoError(t, err)
	f.waitState(t, rec.JobID, lifecycle.StateCompleted)
}

func TestStop_CancelsRunningJob(t *testing.T) {
	f := newFixture(t, Options{StopGrace: 2 * time.Second})

	rec, err := f.sup.Start(testSpec("sleep 60", nil))
	require.NoError(t, err)

	stopped, err := f.sup.Stop(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, stopped.State)
	assert.Equal(t, lifecycle.ReasonCanceled, stopped.LastChange().Reason)

	// The watcher's own exit observation finds the job terminal and stands
	// down without stacking a second transition.
	require.NoError(t, f.sup.Wait())
	final, err := f.store.Get(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, final.State)
}

func TestRecover_DeadPidNoExitCodeBlocks(t *testing.T) {
	f := newFixture(t, Options{})

	spec := testSpec("sleep 60", nil)
	rec := lifecycle.NewRecord("job-stale", spec)
	require.NoError(t, f.store.Create(rec))
	_, err := f.store.Transition("job-stale", lifecycle.StateRunning, "", nil, func(r *lifecycle.JobRecord) {
		r.PID = 1 << 26
	})
	require.NoError(t, err)

	resumed, err := f.sup.Recover()
	require.NoError(t, err)
	assert.Zero(t, resumed)

	got, err := f.store.Get("job-stale")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateBlocked, got.State)
	assert.Equal(t, lifecycle.ReasonRestartRecoveryMismatch, got.LastChange().Reason)
	assert.False(t, got.CallbackEnqueued)
}

func TestRecover_AwaitingArtifactsResumes(t *testing.T) {
	f := newFixture(t, Options{})
	out := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(out, []byte("row\n"), 0o644))

	spec := testSpec("true", func(s *manifest.JobSpec) {
		s.Watch.RequireFiles = []string{out}
		s.Watch.ReadyTimeoutSec = 30
	})
	rec := lifecycle.NewRecord("job-gate", spec)
	require.NoError(t, f.store.Create(rec))
	_, err := f.store.Transition("job-gate", lifecycle.StateRunning, "", nil, func(r *lifecycle.JobRecord) { r.PID = 4242 })
	require.NoError(t, err)
	zero := 0
	_, err = f.store.Transition("job-gate", lifecycle.StateExited, "", nil, func(r *lifecycle.JobRecord) { r.ExitCode = &zero })
	require.NoError(t, err)
	_, err = f.store.Transition("job-gate", lifecycle.StateAwaitingArtifacts, "", nil, nil)
	require.NoError(t, err)

	resumed, err := f.sup.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	f.waitState(t, "job-gate", lifecycle.StateCompleted)
}

func TestRecover_LivePidReattachesThenSettles(t *testing.T) {
	f := newFixture(t, Options{})

	child := exec.Command("sleep", "1")
	require.NoError(t, child.Start())
	defer func() { _ = child.Wait() }()

	spec := testSpec("sleep 1", nil)
	rec := lifecycle.NewRecord("job-live", spec)
	require.NoError(t, f.store.Create(rec))
	_, err := f.store.Transition("job-live", lifecycle.StateRunning, "", nil, func(r *lifecycle.JobRecord) {
		r.PID = child.Process.Pid
	})
	require.NoError(t, err)

	resumed, err := f.sup.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	// Once the re-attached pid dies there is no handle to read an exit code
	// from, so the job must settle as blocked, never a guessed completed.
	final := f.waitState(t, "job-live", lifecycle.StateBlocked)
	assert.Equal(t, lifecycle.ReasonRestartRecoveryMismatch, final.LastChange().Reason)
}

func TestRecover_CallbackQueuedIsUntouched(t *testing.T) {
	f := newFixture(t, Options{})

	spec := testSpec("true", func(s *manifest.JobSpec) { s.Watch.ThenTask = "analyze" })
	rec := lifecycle.NewRecord("job-queued", spec)
	require.NoError(t, f.store.Create(rec))
	_, err := f.store.Transition("job-queued", lifecycle.StateRunning, "", nil, func(r *lifecycle.JobRecord) { r.PID = 4242 })
	require.NoError(t, err)
	zero := 0
	_, err = f.store.Transition("job-queued", lifecycle.StateExited, "", nil, func(r *lifecycle.JobRecord) { r.ExitCode = &zero })
	require.NoError(t, err)
	_, did, err := f.store.EnqueueCallbackOnce("job-queued", "analyze", func(ck, text, id string) (string, error) {
		return "task-1", nil
	})
	require.NoError(t, err)
	require.True(t, did)

	resumed, err := f.sup.Recover()
	require.NoError(t, err)
	assert.Zero(t, resumed)

	got, err := f.store.Get("job-queued")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCallbackQueued, got.State)
	assert.Equal(t, "task-1", got.CallbackTaskID)
}
