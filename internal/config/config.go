package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nkkko/notifyd/internal/logging"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Streams    StreamsConfig    `yaml:"streams"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr                 string   `yaml:"addr"`
	MaxBodySize          int      `yaml:"max_body_size"`
	ReadTimeout          int      `yaml:"read_timeout"`
	WriteTimeout         int      `yaml:"write_timeout"`
	IdleTimeout          int      `yaml:"idle_timeout"`
	RequestTimeout       int      `yaml:"request_timeout"`
	ShutdownTimeout      int      `yaml:"shutdown_timeout"`
	IdempotencyCacheSize int      `yaml:"idempotency_cache_size"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
}

// DispatcherConfig contains notification dispatch settings
type DispatcherConfig struct {
	FailurePolicy string `yaml:"failure_policy"`
}

// SchedulerConfig contains async callback worker settings
type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// StreamsConfig contains websocket and SSE settings
type StreamsConfig struct {
	BufferSize        int `yaml:"buffer_size"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Environment   string            `yaml:"environment"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                 ":8080",
			MaxBodySize:          1048576, // 1MB
			ReadTimeout:          5,
			WriteTimeout:         10,
			IdleTimeout:          120,
			RequestTimeout:       30,
			ShutdownTimeout:      10,
			IdempotencyCacheSize: 4096,
			AllowedOrigins:       []string{"*"},
		},
		Dispatcher: DispatcherConfig{
			FailurePolicy: "isolate",
		},
		Scheduler: SchedulerConfig{
			Workers:   8,
			QueueSize: 1024,
		},
		Streams: StreamsConfig{
			BufferSize:        100,
			HeartbeatInterval: 15,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "notifyd",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	// Override with command line flags (highest priority)
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies NOTIFYD_* environment variables to the configuration
func applyEnvOverrides(config *Config) error {
	strs := map[string]*string{
		"NOTIFYD_SERVER_ADDR":               &config.Server.Addr,
		"NOTIFYD_DISPATCHER_FAILURE_POLICY": &config.Dispatcher.FailurePolicy,
		"NOTIFYD_LOG_LEVEL":                 &config.Logging.Level,
		"NOTIFYD_LOG_FORMAT":                &config.Logging.Format,
		"NOTIFYD_TELEMETRY_ENDPOINT":        &config.Telemetry.Endpoint,
		"NOTIFYD_TELEMETRY_SERVICE_NAME":    &config.Telemetry.ServiceName,
		"NOTIFYD_TELEMETRY_ENVIRONMENT":     &config.Telemetry.Environment,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"NOTIFYD_SERVER_MAX_BODY_SIZE":          &config.Server.MaxBodySize,
		"NOTIFYD_SERVER_IDEMPOTENCY_CACHE_SIZE": &config.Server.IdempotencyCacheSize,
		"NOTIFYD_SCHEDULER_WORKERS":             &config.Scheduler.Workers,
		"NOTIFYD_SCHEDULER_QUEUE_SIZE":          &config.Scheduler.QueueSize,
		"NOTIFYD_STREAMS_BUFFER_SIZE":           &config.Streams.BufferSize,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}

	if v := os.Getenv("NOTIFYD_TELEMETRY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid NOTIFYD_TELEMETRY_ENABLED: %w", err)
		}
		config.Telemetry.Enabled = enabled
	}

	if v := os.Getenv("NOTIFYD_TELEMETRY_SAMPLING_RATIO"); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid NOTIFYD_TELEMETRY_SAMPLING_RATIO: %w", err)
		}
		config.Telemetry.SamplingRatio = ratio
	}

	if v := os.Getenv("NOTIFYD_SERVER_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		config.Server.AllowedOrigins = origins
	}

	return nil
}

// Validate reports settings no component could run with
func (c *Config) Validate() error {
	if _, err := c.failurePolicy(); err != nil {
		return err
	}

	if _, err := logging.ParseLevel(logging.LogLevel(c.Logging.Level)); err != nil {
		return err
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio must be within [0, 1], got %v", c.Telemetry.SamplingRatio)
	}

	return nil
}
