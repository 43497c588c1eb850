package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for notifyd spans
const TracerName = "github.com/nkkko/notifyd"

// Resource attribute keys describing how this notifyd instance dispatches
const (
	AttrFailurePolicy    = attribute.Key("notifyd.dispatcher.failure_policy")
	AttrSchedulerWorkers = attribute.Key("notifyd.scheduler.workers")
)

// Config contains OpenTelemetry configuration
type Config struct {
	Enabled     bool
	ServiceName string
	Environment string

	// OTLP gRPC endpoint (e.g., localhost:4317)
	Endpoint string
	Timeout  time.Duration

	// Fraction of root spans to sample; parents decide for child spans
	SamplingRatio float64

	// Dispatch settings recorded on the resource so traces from instances
	// running different policies can be told apart
	FailurePolicy    string
	SchedulerWorkers int

	Attributes map[string]string
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:   "notifyd",
		Endpoint:      "localhost:4317",
		Timeout:       5 * time.Second,
		SamplingRatio: 0.1,
		Attributes:    map[string]string{},
	}
}

// NewResource describes this process: service identity, deployment and
// dispatch settings plus any configured attributes
func NewResource(ctx context.Context, config Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceInstanceIDKey.String(uuid.NewString()),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(config.Environment))
	}
	if config.FailurePolicy != "" {
		attrs = append(attrs, AttrFailurePolicy.String(config.FailurePolicy))
	}
	if config.SchedulerWorkers > 0 {
		attrs = append(attrs, AttrSchedulerWorkers.Int(config.SchedulerWorkers))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newSampler honors the caller's sampling decision and samples root spans
// by ratio
func newSampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	case ratio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

// Setup installs the OTLP tracer provider and returns its shutdown func.
// With tracing disabled the global no-op provider stays in place.
func Setup(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := log.With().Str("component", "telemetry").Logger()

	res, err := NewResource(ctx, config)
	if err != nil {
		return nil, err
	}

	var exporter *otlptrace.Exporter
	exporter, err = otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(config.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newSampler(config.SamplingRatio)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("endpoint", config.Endpoint).
		Float64("sampling_ratio", config.SamplingRatio).
		Str("failure_policy", config.FailurePolicy).
		Msg("Tracing enabled")

	return func(ctx context.Context) error {
		logger.Info().Msg("Flushing traces")
		return provider.Shutdown(ctx)
	}, nil
}

// Tracer returns the notifyd tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
