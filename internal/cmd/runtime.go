package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/runward/runward/internal/observability"
	"github.com/runward/runward/pkg/events"
	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/taskqueue"
	"github.com/runward/runward/pkg/visibility"
	"github.com/runward/runward/pkg/watcher"
)

func jobsStore() *lifecycle.Store {
	return lifecycle.NewStore(appConfig.JobsRoot())
}

func taskQueue() *taskqueue.FileQueue {
	return taskqueue.NewFileQueue(appConfig.TaskQueuePath())
}

// openEventLog opens the append-only JSONL lifecycle event stream.
func openEventLog() (events.Writer, func(), error) {
	path := appConfig.EventLogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	w := events.NewJSONLWriter(f)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// newSupervisor wires the store, queue, and watcher options from the loaded
// config. ev may be nil for commands that do not emit lifecycle events.
func newSupervisor(ctx context.Context, store *lifecycle.Store, ev events.Writer) *watcher.Supervisor {
	return watcher.NewSupervisor(ctx, store, taskQueue(), ev, observability.CLILogger, watcher.Options{
		GuardMode:       appConfig.GuardMode(),
		StopGrace:       appConfig.Jobs.StopGrace,
		GateScansPerSec: appConfig.Jobs.GateScansPerSec,
	})
}

func newVisibilityMonitor(store *lifecycle.Store, ev events.Writer) *visibility.Monitor {
	return visibility.NewMonitor(store, ev, observability.CLILogger, appConfig.VisibilityThresholds())
}
