package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/runward/runward/pkg/lifecycle"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job records",
	Long: `Manage records for background jobs.

This command group is designed to be agent-friendly:

- stable job ids
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Only show jobs in this state")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	stateFilter = strings.TrimSpace(strings.ToLower(stateFilter))

	store := jobsStore()
	jobs, err := store.List()
	if err != nil {
		return err
	}
	if stateFilter != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == stateFilter {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tVISIBILITY\tSTARTED\tENDED\tCOMMAND")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.State,
			j.Visibility,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			truncateCommand(j.Command),
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := jobsStore()
	rec, err := resolveJobRecord(store, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "visibility=%s\n", rec.Visibility)
	_, _ = fmt.Fprintf(os.Stdout, "command=%s\n", rec.Command)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(os.Stdout, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	if rec.CallbackTaskID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "callback_task_id=%s\n", rec.CallbackTaskID)
	}
	if last := rec.LastChange(); last != nil && last.Reason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", last.Reason)
	}

	return nil
}

func resolveJobRecord(store *lifecycle.Store, input string) (*lifecycle.JobRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	jobID, err := store.ResolveID(input)
	if err != nil {
		return nil, err
	}
	return store.Get(jobID)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func truncateCommand(command string) string {
	command = strings.Join(strings.Fields(command), " ")
	if len(command) <= 48 {
		return command
	}
	return command[:45] + "..."
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
