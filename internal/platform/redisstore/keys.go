package redisstore

import "fmt"

// keys builds the namespaced key set used by the directory store.
//
//	{p}:L:{consumerID}  LIST  consumer message queue, index 0 is the sentinel
//	{p}:H:{room}        HASH  room membership, field consumerID -> liveness
//	{p}:U:{userID}      SET   the user's consumer-IDs
//	{p}:STATS           HASH  monotonic counters
//	{p}:STATS:ROOM      HLL   approximate distinct room count
//	{p}:STATS:SERVERS   HASH  per-instance live consumer gauges
//	{p}:message         pub/sub channel for delivery fan-out
type keys struct {
	prefix string
}

func (k keys) queue(consumerID string) string { return fmt.Sprintf("%s:L:%s", k.prefix, consumerID) }
func (k keys) room(room string) string        { return fmt.Sprintf("%s:H:%s", k.prefix, room) }
func (k keys) user(userID string) string      { return fmt.Sprintf("%s:U:%s", k.prefix, userID) }
func (k keys) stats() string                  { return k.prefix + ":STATS" }
func (k keys) roomStats() string              { return k.prefix + ":STATS:ROOM" }
func (k keys) serverStats() string            { return k.prefix + ":STATS:SERVERS" }
func (k keys) channel() string                { return k.prefix + ":message" }
