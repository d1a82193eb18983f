// Package gateway contains the public domain types and service contracts for
// the push gateway. It defines how the rest of the application talks to the
// shared directory store without binding callers to Redis.
package gateway

import "context"

// Default tuning values shared by the directory store and the delivery pump.
const (
	// MaxQueueLen bounds a consumer queue. When a broadcast pushes a queue
	// past this length the oldest entries are discarded, favouring recency
	// over completeness under sustained overload.
	MaxQueueLen = 1024

	// PullBatch is the maximum number of messages moved to a live socket in
	// one delivery-pump cycle.
	PullBatch = 50
)

// ConsumerBreakdown reports a user's active consumers grouped by the client
// platform encoded in each consumer-ID prefix.
type ConsumerBreakdown struct {
	Length  int      `json:"length"`
	Android int      `json:"android"`
	IOS     int      `json:"ios"`
	Web     int      `json:"web"`
	IDs     []string `json:"ids"`
}

// StatsSnapshot is the aggregate view read by the (external) status endpoint.
type StatsSnapshot struct {
	// Total holds the monotonic cluster-wide counters, plus the approximate
	// distinct-room count.
	Total map[string]string `json:"total"`
	// Current maps "{serverID}:{port}" to that instance's live consumer count.
	Current map[string]string `json:"current"`
}

// Directory is the membership and queue service: the single owner of all
// reads and writes against the shared directory store.
type Directory interface {
	// JoinRoom adds consumerID to the room's membership and refreshes the
	// room TTL. Idempotent; returns the number of newly added members (0 or 1).
	JoinRoom(ctx context.Context, room, consumerID string) (int64, error)

	// LeaveRoom removes consumerID from the room. Removing a non-member is a
	// no-op returning false.
	LeaveRoom(ctx context.Context, room, consumerID string) (bool, error)

	// Broadcast appends message to the queue of every live room member in one
	// atomic server-side operation, then publishes a fan-out notification
	// naming the members with newly queued messages. A room with no members
	// is a no-op.
	Broadcast(ctx context.Context, room, message string) error

	// AddConsumer creates the consumer queue with its sentinel entry if it
	// does not exist and refreshes the connected TTL.
	AddConsumer(ctx context.Context, consumerID string) error

	// UpdateConsumer refreshes the queue TTL to the long connected value and
	// re-registers the consumer under its user. Invoked on heartbeat.
	UpdateConsumer(ctx context.Context, userID, consumerID string) error

	// WeakenConsumer shortens the queue TTL to the disconnected grace value.
	WeakenConsumer(ctx context.Context, consumerID string) error

	// AddUserConsumer records consumerID in the user's consumer set and prunes
	// stale entries from the set.
	AddUserConsumer(ctx context.Context, userID, consumerID string) error

	// RemoveUserConsumer drops consumerID from the user's consumer set.
	RemoveUserConsumer(ctx context.Context, userID, consumerID string) error

	// GetUserConsumers returns the user's tracked consumer-IDs.
	GetUserConsumers(ctx context.Context, userID string) ([]string, error)

	// PullMessages reads up to max queued messages for the consumer, oldest
	// first, skipping the sentinel. It never removes anything.
	PullMessages(ctx context.Context, consumerID string, max int64) ([]string, error)

	// TrimDelivered removes exactly n entries from the head of the consumer
	// queue. Called only after a positive transmission acknowledgement.
	TrimDelivered(ctx context.Context, consumerID string, n int64) error

	// Notifications returns a channel of consumer-ID batches announced on the
	// store's fan-out channel. The channel closes when ctx is cancelled.
	Notifications(ctx context.Context) (<-chan []string, error)
}

// Stats records the gateway's monotonic counters. All increments are
// fire-and-forget: failures are logged by the implementation, never returned.
type Stats interface {
	IncrProducerMessages(ctx context.Context, n int64)
	IncrConsumerMessages(ctx context.Context, n int64)
	IncrConsumers(ctx context.Context, n int64)
	SetConsumersStats(ctx context.Context, current int64)
	ClientsStats(ctx context.Context) (*StatsSnapshot, error)
}
