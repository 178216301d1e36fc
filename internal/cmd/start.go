package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runward/runward/internal/observability"
	"github.com/runward/runward/pkg/lifecycle"
	"github.com/runward/runward/pkg/manifest"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a job and watch it to completion in the foreground",
	Long: `Start a background job and watch it in the foreground: preflight
checks, wait-pattern guard, spawn, watch, artifact gate, and callback
enqueue, exiting with the job's terminal outcome.

The job contract comes from a manifest file (--job, JSON or YAML) or from
--command plus flags.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("job", "", "Path to a job manifest file (JSON or YAML)")
	startCmd.Flags().String("command", "", "Shell command to run")
	startCmd.Flags().String("then", "", "Follow-up task to enqueue after a successful run")
	startCmd.Flags().StringArray("require-file", nil, "Required artifact path or glob (repeatable)")
	startCmd.Flags().Int("every", 0, "Watcher poll interval in seconds")
	startCmd.Flags().Int("tail", 0, "Output tail length in lines")
	startCmd.Flags().Int("ready-timeout", 0, "Artifact gate deadline in seconds")
	startCmd.Flags().Int("ready-poll", 0, "Artifact gate poll interval in seconds")
	startCmd.Flags().String("on-missing", "", "Gate timeout behavior: block or proceed")
	startCmd.Flags().String("conversation", "", "Conversation key owning the follow-up task")
	startCmd.Flags().Bool("json", false, "Print the final job record as JSON")
}

func runStart(cmd *cobra.Command, _ []string) error {
	spec, err := startSpec(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job spec", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ev, closeEv, err := openEventLog()
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open event log", err)
	}
	defer closeEv()

	store := jobsStore()
	sup := newSupervisor(ctx, store, ev)

	rec, err := sup.Start(spec)
	if err != nil {
		var preErr *lifecycle.PreflightRejectedError
		var guardErr *lifecycle.WaitPatternRejectedError
		switch {
		case errors.As(err, &preErr), errors.As(err, &guardErr):
			printFinal(cmd, rec)
			return exitError(foundry.ExitInvalidArgument, "Job rejected before spawn", err)
		default:
			return exitError(foundry.ExitFileWriteError, "Failed to start job", err)
		}
	}
	observability.CLILogger.Info("Watching job",
		zap.String("job_id", rec.JobID),
		zap.Int("pid", rec.PID))

	if err := sup.Wait(); err != nil {
		return err
	}

	final, err := store.Get(rec.JobID)
	if err != nil {
		return err
	}
	printFinal(cmd, final)

	switch final.State {
	case lifecycle.StateCompleted, lifecycle.StateCallbackQueued, lifecycle.StateCallbackRunning:
		return nil
	default:
		reason := ""
		if last := final.LastChange(); last != nil {
			reason = last.Reason
		}
		return exitError(1, fmt.Sprintf("Job ended %s", final.State), errors.New(reason))
	}
}

// startSpec builds the job contract from --job or from flags, applying the
// configured defaults for anything unset.
func startSpec(cmd *cobra.Command) (*manifest.JobSpec, error) {
	defaults := appConfig.ManifestDefaults()

	if path, _ := cmd.Flags().GetString("job"); strings.TrimSpace(path) != "" {
		return manifest.LoadFile(strings.TrimSpace(path), defaults)
	}

	command, _ := cmd.Flags().GetString("command")
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("either --job or --command is required")
	}

	spec := &manifest.JobSpec{
		ConversationKey: defaults.ConversationKey,
		Command:         strings.TrimSpace(command),
		Watch: manifest.WatchSpec{
			EverySec:        defaults.EverySec,
			TailLines:       defaults.TailLines,
			ReadyTimeoutSec: defaults.ReadyTimeoutSec,
			ReadyPollSec:    defaults.ReadyPollSec,
			OnMissing:       defaults.OnMissing,
			RunTasks:        defaults.RunTasks,
		},
	}

	if v, _ := cmd.Flags().GetString("conversation"); v != "" {
		spec.ConversationKey = v
	}
	if v, _ := cmd.Flags().GetString("then"); v != "" {
		spec.Watch.ThenTask = v
	}
	if v, _ := cmd.Flags().GetStringArray("require-file"); len(v) > 0 {
		spec.Watch.RequireFiles = v
	}
	if cmd.Flags().Changed("every") {
		spec.Watch.EverySec, _ = cmd.Flags().GetInt("every")
	}
	if cmd.Flags().Changed("tail") {
		spec.Watch.TailLines, _ = cmd.Flags().GetInt("tail")
	}
	if cmd.Flags().Changed("ready-timeout") {
		spec.Watch.ReadyTimeoutSec, _ = cmd.Flags().GetInt("ready-timeout")
	}
	if cmd.Flags().Changed("ready-poll") {
		spec.Watch.ReadyPollSec, _ = cmd.Flags().GetInt("ready-poll")
	}
	if v, _ := cmd.Flags().GetString("on-missing"); v != "" {
		spec.Watch.OnMissing = manifest.OnMissing(v)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func printFinal(cmd *cobra.Command, rec *lifecycle.JobRecord) {
	if rec == nil {
		return
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rec)
		return
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s state=%s\n", rec.JobID, rec.State)
	if last := rec.LastChange(); last != nil && last.Reason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", last.Reason)
	}
}
