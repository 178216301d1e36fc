package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runward/runward/pkg/launcher"
	"github.com/runward/runward/pkg/lifecycle"
)

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

func init() {
	jobsCmd.AddCommand(jobsStopCmd)
	jobsStopCmd.Flags().Duration("grace", 0, "Grace period before SIGKILL (default from config)")
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	store := jobsStore()
	rec, err := resolveJobRecord(store, args[0])
	if err != nil {
		return err
	}
	if rec.State != lifecycle.StateRunning {
		return fmt.Errorf("job is not running (state=%s)", rec.State)
	}

	grace := appConfig.Jobs.StopGrace
	if cmd.Flags().Changed("grace") {
		grace, _ = cmd.Flags().GetDuration("grace")
	}

	forced, err := launcher.Stop(rec.PID, grace)
	if err != nil {
		return fmt.Errorf("stop pid %d: %w", rec.PID, err)
	}

	// The stop transition is written here so the outcome survives even when no
	// daemon is watching. A watcher observing the exit afterwards sees the job
	// already terminal and stands down.
	rec, err = store.Transition(rec.JobID, lifecycle.StateFailed, lifecycle.ReasonCanceled,
		map[string]any{"pid": rec.PID, "forced_kill": forced},
		func(r *lifecycle.JobRecord) { r.PID = 0 })
	if err != nil {
		return err
	}

	if forced {
		_, _ = fmt.Fprintf(os.Stdout, "sent=term;forced=kill job_id=%s state=%s\n", rec.JobID, rec.State)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "sent=term job_id=%s state=%s\n", rec.JobID, rec.State)
	return nil
}
