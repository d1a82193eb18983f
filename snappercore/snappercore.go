// Package snappercore wires the push gateway together: the Redis-backed
// directory store, the delivery pump, the consumer websocket gateway and the
// producer RPC server, behind one start/stop surface.
package snappercore

import (
	"context"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/teambition/snapper-core/internal/auth"
	"github.com/teambition/snapper-core/internal/platform/redisstore"
	"github.com/teambition/snapper-core/internal/pump"
	"github.com/teambition/snapper-core/internal/realtime"
	"github.com/teambition/snapper-core/internal/rpcserver"
	"github.com/teambition/snapper-core/snappercore/config"
)

// Wrapper owns every component of the gateway process.
type Wrapper struct {
	client    redis.UniversalClient
	store     *redisstore.Store
	pump      *pump.Pump
	consumers *realtime.Gateway
	producers *rpcserver.Server
	logger    zerolog.Logger
}

// socketRegistry adapts the realtime connection registry to the pump's
// socket lookup.
type socketRegistry struct {
	registry *realtime.Registry
}

func (r *socketRegistry) Get(consumerID string) (pump.Socket, bool) {
	conn, ok := r.registry.Get(consumerID)
	if !ok {
		return nil, false
	}
	return conn, true
}

// New creates and wires up the entire gateway service.
func New(cfg *config.AppConfig, logger zerolog.Logger) (*Wrapper, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})

	store, err := redisstore.New(client, redisstore.Options{
		Prefix:       cfg.Redis.Prefix,
		InstancePort: cfg.WebSocketPort,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory store: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.TokenSecrets, cfg.TokenExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	registry := realtime.NewRegistry()
	deliveryPump := pump.New(store, store, &socketRegistry{registry: registry}, 0, logger)

	consumers, err := realtime.NewGateway(
		cfg.WebSocketPort, store, store, verifier, deliveryPump, registry, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer gateway: %w", err)
	}

	producers := rpcserver.New(cfg.RPCPort, store, store, verifier, logger)

	return &Wrapper{
		client:    client,
		store:     store,
		pump:      deliveryPump,
		consumers: consumers,
		producers: producers,
		logger:    logger.With().Str("component", "snappercore").Logger(),
	}, nil
}

// ConsumerAddr reports the websocket listener's bound address once started.
func (w *Wrapper) ConsumerAddr() net.Addr { return w.consumers.Addr() }

// ProducerAddr reports the RPC listener's bound address once started.
func (w *Wrapper) ProducerAddr() net.Addr { return w.producers.Addr() }

// Start runs the pump and both servers, blocking until one of them stops.
func (w *Wrapper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.pump.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery pump: %w", err)
	}

	errChan := make(chan error, 2)
	go func() { errChan <- w.consumers.Start(ctx) }()
	go func() { errChan <- w.producers.Start(ctx) }()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops both servers and releases the store connection.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.producers.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Producer server shutdown failed.")
		finalErr = err
	}
	if err := w.consumers.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Consumer gateway shutdown failed.")
		finalErr = err
	}
	if err := w.client.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Redis client close failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
