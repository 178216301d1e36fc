package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runward/runward/internal/observability"
	"github.com/runward/runward/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job daemon and HTTP API",
	Long: `Run the long-lived job daemon: recover jobs left over from a previous
process, watch running jobs, monitor heartbeat visibility, and expose the
HTTP API for starting, inspecting, and stopping jobs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ev, closeEv, err := openEventLog()
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open event log", err)
	}
	defer closeEv()

	store := jobsStore()
	sup := newSupervisor(ctx, store, ev)

	resumed, err := sup.Recover()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Restart recovery failed", err)
	}
	if resumed > 0 {
		observability.CLILogger.Info("Resumed jobs from previous process", zap.Int("resumed", resumed))
	}

	monitor := newVisibilityMonitor(store, ev)
	go monitor.Run(ctx, appConfig.Visibility.CheckEvery)

	host := appConfig.Server.Host
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		host = v
	}
	port := appConfig.Server.Port
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		port = v
	}

	srv := server.New(host, port, store, sup, appConfig.ManifestDefaults(), observability.CLILogger, versionInfo.Version)
	if err := srv.Run(ctx,
		appConfig.Server.ReadTimeout,
		appConfig.Server.WriteTimeout,
		appConfig.Server.IdleTimeout,
		appConfig.Server.ShutdownTimeout,
	); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}

	// Let in-flight watchers settle before the process exits.
	return sup.Wait()
}
