package config

import (
	"time"

	"github.com/nkkko/notifyd/internal/api"
	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/internal/logging"
	"github.com/nkkko/notifyd/internal/scheduler"
	"github.com/nkkko/notifyd/internal/telemetry"
)

func (c *Config) failurePolicy() (dispatcher.FailurePolicy, error) {
	return dispatcher.ParseFailurePolicy(c.Dispatcher.FailurePolicy)
}

// ToDispatcherConfig converts to dispatcher config. An invalid policy has
// already been rejected by Validate and falls back to isolate here.
func (c *Config) ToDispatcherConfig() dispatcher.Config {
	policy, _ := c.failurePolicy()
	return dispatcher.Config{
		FailurePolicy: policy,
	}
}

// ToSchedulerConfig converts to scheduler config
func (c *Config) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Workers:   c.Scheduler.Workers,
		QueueSize: c.Scheduler.QueueSize,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:                 c.Server.Addr,
		ReadTimeout:          time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:         time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:          time.Duration(c.Server.IdleTimeout) * time.Second,
		RequestTimeout:       time.Duration(c.Server.RequestTimeout) * time.Second,
		MaxBodySize:          int64(c.Server.MaxBodySize),
		IdempotencyCacheSize: c.Server.IdempotencyCacheSize,
		StreamBuffer:         c.Streams.BufferSize,
		HeartbeatInterval:    time.Duration(c.Streams.HeartbeatInterval) * time.Second,
		AllowedOrigins:       c.Server.AllowedOrigins,
		DisableMetrics:       !c.Metrics.Enabled,
	}
}

// ShutdownTimeout returns how long a graceful shutdown may take
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var format logging.LogFormat
	switch c.Logging.Format {
	case "console":
		format = logging.FormatConsole
	default:
		format = logging.FormatJSON
	}

	config := logging.DefaultConfig()
	config.Level = logging.LogLevel(c.Logging.Level)
	config.Format = format
	config.IncludeCaller = c.Logging.IncludeCaller
	config.GlobalFields = c.Logging.GlobalFields
	return config
}

// ToTelemetryConfig converts to telemetry config. The dispatch settings are
// carried along so they end up on the trace resource.
func (c *Config) ToTelemetryConfig() telemetry.Config {
	config := telemetry.DefaultConfig()
	config.Enabled = c.Telemetry.Enabled
	config.ServiceName = c.Telemetry.ServiceName
	config.Environment = c.Telemetry.Environment
	config.Endpoint = c.Telemetry.Endpoint
	config.SamplingRatio = c.Telemetry.SamplingRatio
	config.Attributes = c.Telemetry.Attributes
	config.SchedulerWorkers = c.ToSchedulerConfig().Workers

	if policy, err := c.failurePolicy(); err == nil {
		config.FailurePolicy = string(policy)
	}
	return config
}
