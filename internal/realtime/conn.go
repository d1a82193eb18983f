package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/teambition/snapper-core/internal/jsonrpc"
)

// ErrSendPending is returned when a batch send is attempted while a previous
// one is still awaiting acknowledgement. The pump's single-flight rule makes
// this unreachable in normal operation.
var ErrSendPending = errors.New("a batch send is already pending")

// pendingSend tracks the one outstanding server-initiated publish request.
type pendingSend struct {
	id   uint64
	done chan error
}

// Conn wraps a websocket transport with the gateway's send/pending-request
// state, instead of hanging custom fields off the library type.
type Conn struct {
	consumerID string
	userID     string
	ws         *websocket.Conn
	ackTimeout time.Duration
	logger     zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	rpcID   uint64
	pending *pendingSend
}

func newConn(ws *websocket.Conn, consumerID, userID string, ackTimeout time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{
		consumerID: consumerID,
		userID:     userID,
		ws:         ws,
		ackTimeout: ackTimeout,
		logger:     logger.With().Str("consumer", consumerID).Logger(),
	}
}

// ConsumerID is the stable queue address this connection serves.
func (c *Conn) ConsumerID() string { return c.consumerID }

// UserID is the authenticated owner of this connection.
func (c *Conn) UserID() string { return c.userID }

// SendBatch frames the messages as one publish request and blocks until the
// client acknowledges the correlation ID, the ack timer fires, or ctx ends.
// Only an acknowledged send returns nil; the caller must not trim otherwise.
func (c *Conn) SendBatch(ctx context.Context, messages []string) error {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrSendPending
	}
	c.rpcID++
	send := &pendingSend{id: c.rpcID, done: make(chan error, 1)}
	c.pending = send
	c.mu.Unlock()

	frame, err := jsonrpc.Request(send.id, "publish", messages)
	if err != nil {
		c.clearPending(send)
		return err
	}
	if err := c.write(frame); err != nil {
		c.clearPending(send)
		return fmt.Errorf("failed to write batch: %w", err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-send.done:
		return err
	case <-timer.C:
		c.clearPending(send)
		return fmt.Errorf("send messages timed out, consumer %s, rpc %d", c.consumerID, send.id)
	case <-ctx.Done():
		c.clearPending(send)
		return ctx.Err()
	}
}

// handleFrame processes one inbound frame. Consumers may only send echo
// requests and acknowledgements of the pending batch; everything else is a
// protocol mismatch that is diagnosed but tolerated.
func (c *Conn) handleFrame(data []byte) {
	parsed, rpcErr := jsonrpc.Parse(data)
	if rpcErr != nil {
		c.protocolMismatch(data)
		return
	}

	switch parsed.Type {
	case jsonrpc.TypeRequest:
		if parsed.Payload.Method != "echo" {
			frame, err := jsonrpc.ErrorResponse(parsed.Payload.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, ""))
			if err == nil {
				_ = c.write(frame)
			}
			return
		}
		// Echo client requests for testing purposes.
		frame, err := jsonrpc.Success(parsed.Payload.ID, parsed.Payload.Params)
		if err == nil {
			_ = c.write(frame)
		}

	case jsonrpc.TypeSuccess:
		c.resolvePending(parsed, nil)

	case jsonrpc.TypeError:
		c.resolvePending(parsed, parsed.Payload.Err)

	default:
		c.protocolMismatch(data)
	}
}

// resolvePending completes the outstanding send if the correlation ID
// matches; a mismatched ID is a protocol violation from the client.
func (c *Conn) resolvePending(parsed *jsonrpc.Parsed, result error) {
	c.mu.Lock()
	send := c.pending
	if send == nil || !parsed.Payload.IDEquals(send.id) {
		c.mu.Unlock()
		c.logger.Error().
			Str("frame_id", string(parsed.Payload.ID)).
			Msg("Response does not match the pending batch.")
		if frame, err := jsonrpc.Notification("invalid", []any{parsed.Payload}); err == nil {
			_ = c.write(frame)
		}
		return
	}
	c.pending = nil
	c.mu.Unlock()
	send.done <- result
}

func (c *Conn) protocolMismatch(data []byte) {
	c.logger.Error().Str("frame", truncate(string(data), 200)).Msg("Unhandled frame from consumer.")
	if frame, err := jsonrpc.Notification("invalid", []string{truncate(string(data), 200)}); err == nil {
		_ = c.write(frame)
	}
}

func (c *Conn) clearPending(send *pendingSend) {
	c.mu.Lock()
	if c.pending == send {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close tears down the underlying transport. Any pending send fails through
// its ack timer or the read loop ending.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
