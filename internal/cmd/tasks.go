package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the follow-up task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enqueued follow-up tasks",
	RunE:  runTasksList,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	tasks, err := taskQueue().List()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No tasks found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "TASK ID\tCONVERSATION\tSOURCE JOB\tENQUEUED\tTEXT")
	for _, task := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortJobID(task.ID),
			task.ConversationKey,
			shortJobID(task.SourceJobID),
			task.EnqueuedAt.UTC().Format(time.RFC3339),
			truncateCommand(task.Text),
		)
	}

	return nil
}
