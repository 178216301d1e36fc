package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runward/runward/pkg/lifecycle"
)

var jobsNotifyCmd = &cobra.Command{
	Use:   "notify <job_id>",
	Short: "Report callback task progress for a job",
	Long: `Report progress of a job's follow-up task. The task runner calls this
when it picks the task up (--phase running) and again when it finishes
(--phase completed or failed), closing the job's lifecycle.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsNotify,
}

func init() {
	jobsCmd.AddCommand(jobsNotifyCmd)
	jobsNotifyCmd.Flags().String("phase", "", "Callback phase: running, completed, or failed")
	_ = jobsNotifyCmd.MarkFlagRequired("phase")
}

func runJobsNotify(cmd *cobra.Command, args []string) error {
	phase, _ := cmd.Flags().GetString("phase")
	phase = strings.TrimSpace(strings.ToLower(phase))

	store := jobsStore()
	rec, err := resolveJobRecord(store, args[0])
	if err != nil {
		return err
	}

	switch phase {
	case "running":
		rec, err = store.Transition(rec.JobID, lifecycle.StateCallbackRunning, "", nil, nil)
	case "completed":
		rec, err = store.Transition(rec.JobID, lifecycle.StateCompleted, "", nil, nil)
	case "failed":
		rec, err = store.Transition(rec.JobID, lifecycle.StateFailed, "callback task failed", nil, nil)
	default:
		return fmt.Errorf("invalid --phase %q (expected running, completed, or failed)", phase)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=%s\n", rec.JobID, rec.State)
	return nil
}
