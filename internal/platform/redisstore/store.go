// Package redisstore implements the directory store contracts on Redis. It
// owns every key the gateway touches: room membership hashes, per-consumer
// queue lists, user consumer sets, stats counters and the fan-out channel.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/teambition/snapper-core/pkg/gateway"
)

// Default lifetimes and bounds, overridable through Options.
const (
	DefaultPrefix      = "snapper"
	DefaultConsumerTTL = 48 * time.Hour
	DefaultGraceTTL    = 5 * time.Minute
	DefaultRoomTTL     = 36 * time.Hour
	DefaultMaxQueueLen = gateway.MaxQueueLen
)

// sentinel is the placeholder entry at index 0 of every consumer queue. It
// keeps an idle queue non-empty so the store's empty-list reaping cannot make
// "drained" indistinguishable from "never initialized".
const sentinel = "1"

// broadcastScript atomically reads a room's membership and appends the
// message to every live member's queue. Members whose liveness counter has
// dropped to zero or below are pruned; an append against a missing queue
// (reaped consumer) decrements the member's counter instead of failing the
// broadcast; queues pushed past the cap are trimmed oldest-first. Returns the
// members that received the message.
var broadcastScript = redis.NewScript(`
local roomKey = KEYS[1]
local message = ARGV[1]
local prefix = ARGV[2]
local maxLen = tonumber(ARGV[3])
local members = redis.call('HGETALL', roomKey)
local live = {}
for i = 1, #members, 2 do
  local consumer = members[i]
  local count = tonumber(members[i + 1])
  if count == nil or count <= 0 then
    redis.call('HDEL', roomKey, consumer)
  else
    local queueKey = prefix .. ':L:' .. consumer
    local len = redis.call('RPUSHX', queueKey, message)
    if len == 0 then
      redis.call('HINCRBY', roomKey, consumer, -1)
    else
      if len > maxLen then
        redis.call('LTRIM', queueKey, len - maxLen, -1)
      end
      live[#live + 1] = consumer
    end
  end
end
return live
`)

// Options tunes the store. Zero values fall back to the defaults above.
type Options struct {
	Prefix      string
	ConsumerTTL time.Duration
	GraceTTL    time.Duration
	RoomTTL     time.Duration
	MaxQueueLen int64
	// InstancePort labels this process in the per-server stats hash.
	InstancePort string
}

// Store is the concrete Directory and Stats implementation.
type Store struct {
	client      redis.UniversalClient
	keys        keys
	consumerTTL time.Duration
	graceTTL    time.Duration
	roomTTL     time.Duration
	maxQueueLen int64
	serverID    string
	instance    string
	logger      zerolog.Logger
}

// New wires a store over an established Redis client.
func New(client redis.UniversalClient, opts Options, logger zerolog.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.ConsumerTTL <= 0 {
		opts.ConsumerTTL = DefaultConsumerTTL
	}
	if opts.GraceTTL <= 0 {
		opts.GraceTTL = DefaultGraceTTL
	}
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = DefaultRoomTTL
	}
	if opts.MaxQueueLen <= 0 {
		opts.MaxQueueLen = DefaultMaxQueueLen
	}

	serverID := serverID()
	return &Store{
		client:      client,
		keys:        keys{prefix: opts.Prefix},
		consumerTTL: opts.ConsumerTTL,
		graceTTL:    opts.GraceTTL,
		roomTTL:     opts.RoomTTL,
		maxQueueLen: opts.MaxQueueLen,
		serverID:    serverID,
		instance:    fmt.Sprintf("%s:%s", serverID, opts.InstancePort),
		logger:      logger.With().Str("component", "redis_store").Logger(),
	}, nil
}

// ServerID identifies this process in the shared stats hash.
func (s *Store) ServerID() string { return s.serverID }

// JoinRoom adds the consumer to the room's membership hash and refreshes the
// room TTL. Re-joining resets the liveness counter to 1.
func (s *Store) JoinRoom(ctx context.Context, room, consumerID string) (int64, error) {
	roomKey := s.keys.room(room)
	added, err := s.client.HSet(ctx, roomKey, consumerID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to join room %q: %w", room, err)
	}
	if err := s.client.Expire(ctx, roomKey, s.roomTTL).Err(); err != nil {
		return 0, fmt.Errorf("failed to refresh room ttl: %w", err)
	}
	s.AddRoomToStats(ctx, room)
	return added, nil
}

// LeaveRoom removes the consumer from the room. A non-member is a no-op.
func (s *Store) LeaveRoom(ctx context.Context, room, consumerID string) (bool, error) {
	removed, err := s.client.HDel(ctx, s.keys.room(room), consumerID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to leave room %q: %w", room, err)
	}
	return removed > 0, nil
}

// Broadcast runs the atomic fan-out script, then announces the members with
// newly queued messages on the notification channel. The announcement is a
// liveness hint only; a lost publish leaves messages queued for the next
// trigger.
func (s *Store) Broadcast(ctx context.Context, room, message string) error {
	res, err := broadcastScript.Run(ctx, s.client,
		[]string{s.keys.room(room)},
		message, s.keys.prefix, s.maxQueueLen,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to broadcast to room %q: %w", room, err)
	}

	raw, ok := res.([]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}
	consumers := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok && id != "" {
			consumers = append(consumers, id)
		}
	}
	if len(consumers) == 0 {
		return nil
	}

	if err := s.client.Publish(ctx, s.keys.channel(), strings.Join(consumers, ",")).Err(); err != nil {
		// Queued messages survive; the next broadcast or heartbeat re-triggers.
		s.logger.Error().Err(err).Str("room", room).Msg("Failed to publish delivery notification.")
	}
	return nil
}

// AddConsumer initializes the consumer queue with its sentinel entry when
// absent and refreshes the connected TTL.
func (s *Store) AddConsumer(ctx context.Context, consumerID string) error {
	queueKey := s.keys.queue(consumerID)
	head, err := s.client.LIndex(ctx, queueKey, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to inspect queue for %q: %w", consumerID, err)
	}
	if head == "" {
		if err := s.client.RPush(ctx, queueKey, sentinel).Err(); err != nil {
			return fmt.Errorf("failed to initialize queue for %q: %w", consumerID, err)
		}
	}
	if err := s.client.Expire(ctx, queueKey, s.consumerTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh queue ttl for %q: %w", consumerID, err)
	}
	return nil
}

// UpdateConsumer is the heartbeat path: restore the connected TTL and keep
// the user's consumer set fresh.
func (s *Store) UpdateConsumer(ctx context.Context, userID, consumerID string) error {
	if err := s.client.Expire(ctx, s.keys.queue(consumerID), s.consumerTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh queue ttl for %q: %w", consumerID, err)
	}
	return s.AddUserConsumer(ctx, userID, consumerID)
}

// WeakenConsumer shortens the queue lifetime to the disconnect grace window.
// A reconnect before expiry restores the full TTL.
func (s *Store) WeakenConsumer(ctx context.Context, consumerID string) error {
	if err := s.client.Expire(ctx, s.keys.queue(consumerID), s.graceTTL).Err(); err != nil {
		return fmt.Errorf("failed to weaken queue ttl for %q: %w", consumerID, err)
	}
	return nil
}

// AddUserConsumer tracks the consumer under its user and reconciles the set:
// any other tracked consumer whose queue is gone or has unconsumed backlog
// past the sentinel is dropped, healing crash-induced drift.
func (s *Store) AddUserConsumer(ctx context.Context, userID, consumerID string) error {
	userKey := s.keys.user(userID)
	if err := s.client.SAdd(ctx, userKey, consumerID).Err(); err != nil {
		return fmt.Errorf("failed to add user consumer: %w", err)
	}
	if err := s.client.Expire(ctx, userKey, s.roomTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh user ttl: %w", err)
	}

	// Lazy reconciliation; errors here are not the caller's problem.
	consumers, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to read user consumers for reconciliation.")
		return nil
	}
	for _, other := range consumers {
		if other == consumerID {
			continue
		}
		count, err := s.client.LLen(ctx, s.keys.queue(other)).Result()
		if err != nil {
			s.logger.Error().Err(err).Str("consumer", other).Msg("Failed to check queue during reconciliation.")
			continue
		}
		// Length 0 means the queue was reaped; length above 1 means the
		// consumer is offline with backlog. A live heartbeat re-adds it.
		if count != 1 {
			if err := s.client.SRem(ctx, userKey, other).Err(); err != nil {
				s.logger.Error().Err(err).Str("consumer", other).Msg("Failed to prune stale user consumer.")
			}
		}
	}
	return nil
}

// RemoveUserConsumer drops the consumer from the user's set.
func (s *Store) RemoveUserConsumer(ctx context.Context, userID, consumerID string) error {
	if err := s.client.SRem(ctx, s.keys.user(userID), consumerID).Err(); err != nil {
		return fmt.Errorf("failed to remove user consumer: %w", err)
	}
	return nil
}

// GetUserConsumers lists the user's tracked consumer-IDs.
func (s *Store) GetUserConsumers(ctx context.Context, userID string) ([]string, error) {
	consumers, err := s.client.SMembers(ctx, s.keys.user(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user consumers: %w", err)
	}
	return consumers, nil
}

// PullMessages reads up to max messages past the sentinel, oldest first.
func (s *Store) PullMessages(ctx context.Context, consumerID string, max int64) ([]string, error) {
	messages, err := s.client.LRange(ctx, s.keys.queue(consumerID), 1, max).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pull messages for %q: %w", consumerID, err)
	}
	return messages, nil
}

// TrimDelivered drops exactly n delivered entries from the queue head. The
// last delivered message becomes the new sentinel at index 0.
func (s *Store) TrimDelivered(ctx context.Context, consumerID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := s.client.LTrim(ctx, s.keys.queue(consumerID), n, -1).Err(); err != nil {
		return fmt.Errorf("failed to trim queue for %q: %w", consumerID, err)
	}
	return nil
}

// Notifications subscribes to the fan-out channel on a dedicated connection
// and yields batches of consumer-IDs with newly queued messages.
func (s *Store) Notifications(ctx context.Context) (<-chan []string, error) {
	pubsub := s.client.Subscribe(ctx, s.keys.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", s.keys.channel(), err)
	}

	out := make(chan []string, 64)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var consumers []string
				for _, id := range strings.Split(msg.Payload, ",") {
					if id != "" {
						consumers = append(consumers, id)
					}
				}
				if len(consumers) == 0 {
					continue
				}
				select {
				case out <- consumers:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
