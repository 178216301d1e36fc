// Package config loads runtime configuration for the runward CLI and daemon.
//
// Precedence: runtime overrides > RUNWARD_* environment variables > config
// file (runward.yaml in the working directory or the app data dir) >
// defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/runward/runward/pkg/manifest"
	"github.com/runward/runward/pkg/visibility"
	"github.com/runward/runward/pkg/waitguard"
)

const (
	// AppName is the binary and config identity.
	AppName = "runward"

	// EnvPrefix is the environment variable prefix (RUNWARD_SERVER_PORT etc.).
	EnvPrefix = "RUNWARD"
)

// ServerConfig configures the job API daemon.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WatchConfig holds the documented fallback values for watch sub-fields a
// job_start request omits.
type WatchConfig struct {
	EverySec        int    `mapstructure:"every_sec"`
	TailLines       int    `mapstructure:"tail_lines"`
	ReadyTimeoutSec int    `mapstructure:"ready_timeout_sec"`
	ReadyPollSec    int    `mapstructure:"ready_poll_sec"`
	OnMissing       string `mapstructure:"on_missing"`
	RunTasks        bool   `mapstructure:"run_tasks"`
	ConversationKey string `mapstructure:"conversation_key"`
}

// JobsConfig configures the job registry and supervisor.
type JobsConfig struct {
	DataDir         string        `mapstructure:"data_dir"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	GuardMode       string        `mapstructure:"guard_mode"`
	GateScansPerSec float64       `mapstructure:"gate_scans_per_sec"`
}

// VisibilityConfig configures the heartbeat SLO monitor.
type VisibilityConfig struct {
	StartupHeartbeat  time.Duration `mapstructure:"startup_heartbeat"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CheckEvery        time.Duration `mapstructure:"check_every"`
}

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Visibility VisibilityConfig `mapstructure:"visibility"`
}

var (
	configMu  sync.Mutex
	appConfig *Config
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("watch.every_sec", 20)
	v.SetDefault("watch.tail_lines", 40)
	v.SetDefault("watch.ready_timeout_sec", 600)
	v.SetDefault("watch.ready_poll_sec", 5)
	v.SetDefault("watch.on_missing", "block")
	v.SetDefault("watch.run_tasks", true)
	v.SetDefault("watch.conversation_key", "local")

	v.SetDefault("jobs.data_dir", gfconfig.GetAppDataDir(AppName))
	v.SetDefault("jobs.stop_grace", "10s")
	v.SetDefault("jobs.guard_mode", "warn")
	v.SetDefault("jobs.gate_scans_per_sec", 20.0)

	v.SetDefault("visibility.startup_heartbeat", "90s")
	v.SetDefault("visibility.heartbeat_interval", "180s")
	v.SetDefault("visibility.check_every", "30s")
}

// Load reads configuration and stores it as the process config. Runtime
// overrides (nested maps keyed like the config file) win over env and file
// values.
func Load(overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(gfconfig.GetAppDataDir(AppName))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded config, or nil before Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

// applyOverrides flattens nested maps into dotted keys so they take viper's
// highest precedence.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

func (c *Config) validate() error {
	if !waitguard.Mode(c.Jobs.GuardMode).Valid() {
		return fmt.Errorf("jobs.guard_mode must be off, warn, or reject; got %q", c.Jobs.GuardMode)
	}
	switch manifest.OnMissing(c.Watch.OnMissing) {
	case manifest.OnMissingBlock, manifest.OnMissingProceed:
	default:
		return fmt.Errorf("watch.on_missing must be block or proceed; got %q", c.Watch.OnMissing)
	}
	return nil
}

// JobsRoot is the job registry directory under the data dir.
func (c *Config) JobsRoot() string {
	return filepath.Join(c.Jobs.DataDir, "jobs")
}

// TaskQueuePath is the JSONL follow-up task queue file.
func (c *Config) TaskQueuePath() string {
	return filepath.Join(c.Jobs.DataDir, "tasks", "tasks.jsonl")
}

// EventLogPath is the JSONL lifecycle event stream file.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.Jobs.DataDir, "events", "events.jsonl")
}

// ManifestDefaults maps the watch config onto job contract defaults.
func (c *Config) ManifestDefaults() manifest.Defaults {
	return manifest.Defaults{
		EverySec:        c.Watch.EverySec,
		TailLines:       c.Watch.TailLines,
		ReadyTimeoutSec: c.Watch.ReadyTimeoutSec,
		ReadyPollSec:    c.Watch.ReadyPollSec,
		OnMissing:       manifest.OnMissing(c.Watch.OnMissing),
		RunTasks:        c.Watch.RunTasks,
		ConversationKey: c.Watch.ConversationKey,
	}
}

// GuardMode returns the configured wait-pattern guard mode.
func (c *Config) GuardMode() waitguard.Mode {
	return waitguard.Mode(c.Jobs.GuardMode)
}

// VisibilityThresholds maps the visibility config onto monitor thresholds.
func (c *Config) VisibilityThresholds() visibility.Thresholds {
	return visibility.Thresholds{
		StartupWindow:     c.Visibility.StartupHeartbeat,
		HeartbeatInterval: c.Visibility.HeartbeatInterval,
	}
}
