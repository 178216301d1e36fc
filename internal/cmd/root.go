// Package cmd implements the runward command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runward/runward/internal/config"
	"github.com/runward/runward/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata (set via ldflags).
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "runward",
	Short: "Launch, watch, and gate background jobs",
	Long: `runward runs long shell commands in the background, watches them to
completion, gates a follow-up task on required output artifacts, and
guarantees the follow-up is enqueued at most once, even across restarts.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console or json)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for job records, tasks, and events")
}

func initApp(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		overrides["logging"] = map[string]any{"level": v}
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		logging, _ := overrides["logging"].(map[string]any)
		if logging == nil {
			logging = map[string]any{}
		}
		logging["format"] = v
		overrides["logging"] = logging
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		overrides["jobs"] = map[string]any{"data_dir": v}
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		return err
	}
	appConfig = cfg

	if _, err := observability.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	return nil
}

// cliError carries a process exit code alongside the message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	if err == nil {
		return &cliError{code: code, err: errors.New(message)}
	}
	return &cliError{code: code, err: fmt.Errorf("%s: %w", message, err)}
}

// Execute runs the root command and exits with the error's code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var ce *cliError
		if errors.As(err, &ce) {
			code = ce.code
		}
		os.Exit(code)
	}
}
