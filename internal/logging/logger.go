package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"go.opentelemetry.io/otel/trace"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	// FormatJSON outputs logs in JSON format
	FormatJSON LogFormat = "json"

	// FormatConsole outputs logs in a human-readable format
	FormatConsole LogFormat = "console"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config contains logger configuration
type Config struct {
	// Logging level
	Level LogLevel

	// Output format (json or console)
	Format LogFormat

	// Whether to include caller information
	IncludeCaller bool

	// Whether to include stack traces for errors
	IncludeStacktrace bool

	// Output writer (defaults to os.Stdout)
	Output io.Writer

	// Additional global context fields
	GlobalFields map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Level:             LevelInfo,
		Format:            FormatJSON,
		IncludeCaller:     true,
		IncludeStacktrace: true,
		Output:            os.Stdout,
		GlobalFields:      map[string]string{},
	}
}

// Setup configures the global zerolog logger
func Setup(config Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	if config.IncludeStacktrace {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	}

	logger := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		logger = logger.Caller()
	}
	for k, v := range config.GlobalFields {
		logger = logger.Str(k, v)
	}
	log.Logger = logger.Logger()

	level, err := ParseLevel(config.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

// ParseLevel converts a LogLevel to zerolog.Level
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel, nil
	case LevelInfo, "":
		return zerolog.InfoLevel, nil
	case LevelWarn:
		return zerolog.WarnLevel, nil
	case LevelError:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// FromContext returns the request logger stored in ctx, falling back to the
// global logger, with trace ids attached when a span is active.
func FromContext(ctx context.Context) zerolog.Logger {
	logger := log.Logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = *l
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		logger = logger.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
	}

	return logger
}

// Component returns a logger with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
