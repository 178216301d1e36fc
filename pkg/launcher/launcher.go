// Package launcher spawns job processes and owns their OS-level handles.
//
// A job command runs under `bash -lc` in its own process group, with combined
// stdout/stderr appended to the job's output log. The launcher keeps the
// exec handle so the watcher can observe the real exit code; a job re-attached
// after a daemon restart has no handle and only pid liveness to go on.
package launcher

import (
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/runward/runward/pkg/lifecycle"
)

// ExitStatus is the terminal observation for a spawned process.
type ExitStatus struct {
	// Code is the process exit code; -1 when the process died to a signal.
	Code int

	// Err is the wait error, if any, beyond a non-zero exit.
	Err error
}

// Handle is a live spawned process.
type Handle struct {
	JobID string
	PID   int

	exitCh chan ExitStatus
}

// Exited yields exactly one ExitStatus when the process ends.
func (h *Handle) Exited() <-chan ExitStatus {
	return h.exitCh
}

// Launcher spawns commands for registered jobs.
type Launcher struct {
	store *lifecycle.Store
}

func NewLauncher(store *lifecycle.Store) *Launcher {
	return &Launcher{store: store}
}

// Spawn starts the job command. The returned handle's exit channel fires once
// when the process ends; the output log keeps receiving process output until
// then.
func (l *Launcher) Spawn(jobID, command string) (*Handle, error) {
	jobDir := l.store.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, &lifecycle.SpawnError{Command: command, Err: err}
	}

	out, err := os.OpenFile(l.store.OutputPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &lifecycle.SpawnError{Command: command, Err: err}
	}

	// Login shell so the job sees the same PATH and env hooks an operator's
	// terminal would.
	cmd := exec.Command("bash", "-lc", command)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	setProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, &lifecycle.SpawnError{Command: command, Err: err}
	}

	h := &Handle{
		JobID:  jobID,
		PID:    cmd.Process.Pid,
		exitCh: make(chan ExitStatus, 1),
	}

	go func() {
		defer out.Close()
		err := cmd.Wait()
		st := ExitStatus{Code: -1}
		if cmd.ProcessState != nil {
			st.Code = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			st.Err = err
		}
		h.exitCh <- st
	}()

	return h, nil
}

// Stop terminates the job's process group: SIGTERM, a grace period, then
// SIGKILL if the group leader is still alive. Reports whether the kill
// escalation was needed.
func Stop(pid int, grace time.Duration) (forcedKill bool, err error) {
	if pid <= 0 {
		return false, errors.New("job has no pid recorded")
	}
	if err := signalGroup(pid, sigTerm); err != nil {
		return false, err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !lifecycle.IsProcessAlive(pid) {
			return false, nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	if err := signalGroup(pid, sigKill); err != nil {
		return true, err
	}
	return true, nil
}
