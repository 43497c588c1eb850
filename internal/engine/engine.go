package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nkkko/notifyd/internal/api"
	"github.com/nkkko/notifyd/internal/config"
	"github.com/nkkko/notifyd/internal/dispatcher"
	"github.com/nkkko/notifyd/internal/logging"
	"github.com/nkkko/notifyd/internal/scheduler"
	"github.com/nkkko/notifyd/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all notifyd components
type Engine struct {
	config      *config.Config
	scheduler   *scheduler.Scheduler
	dispatcher  *dispatcher.Dispatcher
	api         *api.API
	logger      zerolog.Logger
	telemetryFn func(context.Context) error // Shutdown function for telemetry
}

// New creates an Engine with all components initialized from config
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := log.With().Str("component", "engine").Logger()

	e := &Engine{
		config: cfg,
		logger: logger,
	}

	telShutdown, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	e.scheduler = scheduler.New(cfg.ToSchedulerConfig())
	e.dispatcher = dispatcher.New(cfg.ToDispatcherConfig(), e.scheduler)

	e.api, err = api.New(cfg.ToAPIConfig(), e.dispatcher)
	if err != nil {
		_ = e.scheduler.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}

	logger.Info().
		Str("failure_policy", string(cfg.ToDispatcherConfig().FailurePolicy)).
		Int("workers", cfg.Scheduler.Workers).
		Msg("Engine initialized")

	return e, nil
}

// Dispatcher returns the engine's dispatcher so in-process hosts can share it
func (e *Engine) Dispatcher() *dispatcher.Dispatcher {
	return e.dispatcher
}

// API returns the HTTP surface
func (e *Engine) API() *api.API {
	return e.api
}

// Start runs the engine until ctx is done or a component fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting notifyd engine")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("notifyd engine stopped")
	return nil
}

// Shutdown stops the API first so no new notifications arrive, then revokes
// every subscription, drains async callbacks and flushes telemetry
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down notifyd engine")

	var errs []error

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
		errs = append(errs, err)
	}

	if err := e.dispatcher.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down dispatcher")
		errs = append(errs, err)
	}

	if err := e.scheduler.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down scheduler")
		errs = append(errs, err)
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
