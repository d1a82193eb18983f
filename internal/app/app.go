// Package app contains the shared, reusable logic for starting and stopping
// the gateway process.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Service is one long-running server the process hosts. Start blocks until
// the service stops; Shutdown asks it to stop gracefully.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the main application lifecycle. It starts every service,
// listens for OS signals, and performs a graceful shutdown of all of them.
func Run(ctx context.Context, logger zerolog.Logger, services map[string]Service) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for name, svc := range services {
		wg.Add(1)
		go func(name string, svc Service) {
			defer wg.Done()
			logger.Info().Str("service", name).Msg("Starting service...")
			err := svc.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("service", name).Msg("Service failed.")
				cancel() // Trigger shutdown of the other services.
			}
		}(name, svc)
	}

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	for name, svc := range services {
		logger.Info().Str("service", name).Msg("Shutting down service...")
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("service", name).Msg("Service shutdown failed.")
		}
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
