// Package pump drains durable consumer queues to the live sockets held by
// this process. One pull is in flight per consumer at most; a trim only ever
// follows a positive transmission acknowledgement.
package pump

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/teambition/snapper-core/pkg/gateway"
)

// Directory is the slice of the store contract the pump needs.
type Directory interface {
	PullMessages(ctx context.Context, consumerID string, max int64) ([]string, error)
	TrimDelivered(ctx context.Context, consumerID string, n int64) error
	Notifications(ctx context.Context) (<-chan []string, error)
}

// Stats is the counter the pump feeds.
type Stats interface {
	IncrConsumerMessages(ctx context.Context, n int64)
}

// Socket is a live consumer connection able to transmit one batch and wait
// for its acknowledgement.
type Socket interface {
	SendBatch(ctx context.Context, messages []string) error
}

// Registry resolves a consumer-ID to its locally held socket, if any.
type Registry interface {
	Get(consumerID string) (Socket, bool)
}

// Pump is the per-process delivery loop.
type Pump struct {
	dir     Directory
	stats   Stats
	sockets Registry
	batch   int64
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool

	ctx context.Context
}

// New builds a pump over the given registry. batch caps how many messages one
// cycle moves; zero falls back to the default pull batch.
func New(dir Directory, stats Stats, sockets Registry, batch int64, logger zerolog.Logger) *Pump {
	if batch <= 0 {
		batch = gateway.PullBatch
	}
	return &Pump{
		dir:      dir,
		stats:    stats,
		sockets:  sockets,
		batch:    batch,
		logger:   logger.With().Str("component", "pump").Logger(),
		inflight: make(map[string]bool),
		ctx:      context.Background(),
	}
}

// Start subscribes to the store's fan-out channel and triggers a pull for
// every announced consumer. It returns once subscribed; delivery runs in the
// background until ctx is cancelled.
func (p *Pump) Start(ctx context.Context) error {
	notifications, err := p.dir.Notifications(ctx)
	if err != nil {
		return err
	}
	p.ctx = ctx

	go func() {
		for batch := range notifications {
			for _, consumerID := range batch {
				p.Trigger(consumerID)
			}
		}
	}()
	p.logger.Info().Msg("Delivery pump started.")
	return nil
}

// Trigger requests a pull for the consumer. It is an idempotent no-op when no
// socket is registered locally or a pull is already in flight.
func (p *Pump) Trigger(consumerID string) {
	socket, ok := p.sockets.Get(consumerID)
	if !ok {
		return
	}
	if !p.acquire(consumerID) {
		return
	}
	go p.drain(consumerID, socket)
}

// drain loops pull-send-ack-trim until the queue is empty or a send fails.
// Failed sends leave the queue untouched for the next trigger.
func (p *Pump) drain(consumerID string, socket Socket) {
	defer p.release(consumerID)

	for {
		messages, err := p.dir.PullMessages(p.ctx, consumerID, p.batch)
		if err != nil {
			p.logger.Error().Err(err).Str("consumer", consumerID).Msg("Failed to pull messages.")
			return
		}
		if len(messages) == 0 {
			return
		}

		if err := socket.SendBatch(p.ctx, messages); err != nil {
			// Not acknowledged: the messages stay queued, duplicates after a
			// reconnect are the documented cost.
			p.logger.Debug().Err(err).Str("consumer", consumerID).Msg("Batch send failed, leaving queue intact.")
			return
		}

		if err := p.dir.TrimDelivered(p.ctx, consumerID, int64(len(messages))); err != nil {
			p.logger.Error().Err(err).Str("consumer", consumerID).Msg("Failed to trim delivered messages.")
			return
		}
		p.stats.IncrConsumerMessages(p.ctx, int64(len(messages)))
	}
}

func (p *Pump) acquire(consumerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[consumerID] {
		return false
	}
	p.inflight[consumerID] = true
	return true
}

func (p *Pump) release(consumerID string) {
	p.mu.Lock()
	delete(p.inflight, consumerID)
	p.mu.Unlock()
}
