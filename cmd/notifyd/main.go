package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/notifyd/internal/config"
	"github.com/nkkko/notifyd/internal/engine"
	"github.com/rs/zerolog/log"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *addr, *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	os.Exit(run(cfg))
}

// run starts the engine and blocks until SIGINT/SIGTERM or a fatal error
func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create engine")
		return 1
	}

	exitCode := 0
	if err := e.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
		exitCode = 1
	} else {
		log.Info().Msg("Caught signal, initiating shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
		exitCode = 1
	}

	return exitCode
}
