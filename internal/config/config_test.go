package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	// Check some default values
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "isolate", cfg.Dispatcher.FailurePolicy)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 1024, cfg.Scheduler.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))
	return configFile
}

func TestLoadConfigFromFile(t *testing.T) {
	configFile := writeConfig(t, `server:
  addr: ":9090"
dispatcher:
  failure_policy: "halt"
scheduler:
  workers: 2
logging:
  level: "debug"
`)

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "halt", cfg.Dispatcher.FailurePolicy)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Default values should be used for unspecified fields
	assert.Equal(t, 1024, cfg.Scheduler.QueueSize)
	assert.Equal(t, 4096, cfg.Server.IdempotencyCacheSize)
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromInvalidFile(t *testing.T) {
	configFile := writeConfig(t, "server: [unclosed")

	_, err := LoadConfigFromFile(configFile)
	assert.Error(t, err)
}

func TestLoadConfigPrecedence(t *testing.T) {
	configFile := writeConfig(t, `server:
  addr: ":9090"
scheduler:
  workers: 2
logging:
  level: "debug"
`)

	t.Setenv("NOTIFYD_SERVER_ADDR", ":8888")
	t.Setenv("NOTIFYD_SCHEDULER_WORKERS", "16")
	t.Setenv("NOTIFYD_LOG_LEVEL", "error")
	t.Setenv("NOTIFYD_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig(configFile, "", "warn")
	require.NoError(t, err)

	// Env vars should take precedence over file
	assert.Equal(t, ":8888", cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Scheduler.Workers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)

	// Command-line flag should take precedence
	assert.Equal(t, "warn", cfg.Logging.Level)

	cfg, err = LoadConfig(configFile, ":7070", "")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Run("env int", func(t *testing.T) {
		t.Setenv("NOTIFYD_SCHEDULER_WORKERS", "many")
		_, err := LoadConfig("", "", "")
		assert.ErrorContains(t, err, "NOTIFYD_SCHEDULER_WORKERS")
	})

	t.Run("failure policy", func(t *testing.T) {
		t.Setenv("NOTIFYD_DISPATCHER_FAILURE_POLICY", "retry")
		_, err := LoadConfig("", "", "")
		assert.ErrorContains(t, err, "failure policy")
	})

	t.Run("log level flag", func(t *testing.T) {
		_, err := LoadConfig("", "", "verbose")
		assert.ErrorContains(t, err, "log level")
	})

	t.Run("sampling ratio", func(t *testing.T) {
		t.Setenv("NOTIFYD_TELEMETRY_SAMPLING_RATIO", "1.5")
		_, err := LoadConfig("", "", "")
		assert.ErrorContains(t, err, "sampling ratio")
	})
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatcher.FailurePolicy = "halt"
	cfg.Logging.Format = "console"

	dispatcherCfg := cfg.ToDispatcherConfig()
	assert.Equal(t, dispatcher.PolicyHalt, dispatcherCfg.FailurePolicy)

	schedulerCfg := cfg.ToSchedulerConfig()
	assert.Equal(t, cfg.Scheduler.Workers, schedulerCfg.Workers)
	assert.Equal(t, cfg.Scheduler.QueueSize, schedulerCfg.QueueSize)

	apiCfg := cfg.ToAPIConfig()
	assert.Equal(t, cfg.Server.Addr, apiCfg.Addr)
	assert.Equal(t, 10*time.Second, apiCfg.WriteTimeout)
	assert.Equal(t, int64(cfg.Server.MaxBodySize), apiCfg.MaxBodySize)
	assert.Equal(t, 15*time.Second, apiCfg.HeartbeatInterval)
	assert.Equal(t, cfg.Streams.BufferSize, apiCfg.StreamBuffer)
	assert.False(t, apiCfg.DisableMetrics)

	loggingCfg := cfg.ToLoggingConfig()
	assert.Equal(t, logging.LevelInfo, loggingCfg.Level)
	assert.Equal(t, logging.FormatConsole, loggingCfg.Format)
	assert.NotNil(t, loggingCfg.Output)

	telemetryCfg := cfg.ToTelemetryConfig()
	assert.Equal(t, "notifyd", telemetryCfg.ServiceName)
	assert.False(t, telemetryCfg.Enabled)
	assert.Equal(t, "halt", telemetryCfg.FailurePolicy)
	assert.Equal(t, cfg.Scheduler.Workers, telemetryCfg.SchedulerWorkers)
	assert.Equal(t, 5*time.Second, telemetryCfg.Timeout)

	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
}
