package redisstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/teambition/snapper-core/pkg/gateway"
)

// Stats hash fields.
const (
	fieldProducerMessages = "producerMessages"
	fieldConsumerMessages = "consumerMessages"
	fieldConsumers        = "consumers"
)

// serverID derives a stable identity for this host from its interface
// addresses, so restarts keep the same slot in the server stats hash.
func serverID() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil || len(addrs) == 0 {
		return uuid.NewString()[:8]
	}
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, a.String())
	}
	sort.Strings(list)
	var joined string
	for _, a := range list {
		joined += a + ";"
	}
	sum := md5.Sum([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// IncrProducerMessages counts accepted publish pairs. Fire-and-forget.
func (s *Store) IncrProducerMessages(ctx context.Context, n int64) {
	s.incrStat(ctx, fieldProducerMessages, n)
}

// IncrConsumerMessages counts messages delivered to live sockets.
func (s *Store) IncrConsumerMessages(ctx context.Context, n int64) {
	s.incrStat(ctx, fieldConsumerMessages, n)
}

// IncrConsumers counts consumer connections ever accepted.
func (s *Store) IncrConsumers(ctx context.Context, n int64) {
	s.incrStat(ctx, fieldConsumers, n)
}

func (s *Store) incrStat(ctx context.Context, field string, n int64) {
	if n == 0 {
		return
	}
	if err := s.client.HIncrBy(ctx, s.keys.stats(), field, n).Err(); err != nil {
		s.logger.Error().Err(err).Str("field", field).Msg("Failed to increment stats counter.")
	}
}

// AddRoomToStats feeds the approximate distinct-room cardinality.
func (s *Store) AddRoomToStats(ctx context.Context, room string) {
	if err := s.client.PFAdd(ctx, s.keys.roomStats(), room).Err(); err != nil {
		s.logger.Error().Err(err).Str("room", room).Msg("Failed to record room in stats.")
	}
}

// SetConsumersStats publishes this instance's live consumer gauge.
func (s *Store) SetConsumersStats(ctx context.Context, current int64) {
	if err := s.client.HSet(ctx, s.keys.serverStats(), s.instance, current).Err(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set per-server consumer stats.")
	}
}

// ClientsStats assembles the snapshot the status endpoint reads.
func (s *Store) ClientsStats(ctx context.Context) (*gateway.StatsSnapshot, error) {
	rooms, err := s.client.PFCount(ctx, s.keys.roomStats()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count rooms: %w", err)
	}
	total, err := s.client.HGetAll(ctx, s.keys.stats()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats counters: %w", err)
	}
	current, err := s.client.HGetAll(ctx, s.keys.serverStats()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read server stats: %w", err)
	}
	if total == nil {
		total = map[string]string{}
	}
	total["rooms"] = strconv.FormatInt(rooms, 10)
	return &gateway.StatsSnapshot{Total: total, Current: current}, nil
}
