// Package realtime accepts and manages long-lived consumer connections: the
// websocket handshake, heartbeat-driven liveness, the live-socket registry
// and the delivery target the pump writes to.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/teambition/snapper-core/internal/auth"
	"github.com/teambition/snapper-core/pkg/gateway"
)

// cookieName carries the consumer-ID across reconnects so the previous
// queue's lifetime can be weakened instead of orphaned.
const cookieName = "snapper.ws"

// DefaultAckTimeout bounds how long a batch send waits for its ack.
const DefaultAckTimeout = 100 * time.Second

// readWait is the transport liveness window; a client heartbeat (ping)
// must arrive within it or the read loop ends.
const readWait = 75 * time.Second

// DeliveryTrigger requests a queue drain for a consumer. Implemented by the
// delivery pump.
type DeliveryTrigger interface {
	Trigger(consumerID string)
}

// Gateway is the consumer-facing server. It runs its own HTTP listener and
// upgrades /websocket requests into registered consumer connections.
type Gateway struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	registry   *Registry
	dir        gateway.Directory
	stats      gateway.Stats
	verifier   *auth.Verifier
	pump       DeliveryTrigger
	ackTimeout time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewGateway wires up the consumer gateway on the given port.
func NewGateway(
	port string,
	dir gateway.Directory,
	stats gateway.Stats,
	verifier *auth.Verifier,
	pump DeliveryTrigger,
	registry *Registry,
	ackTimeout time.Duration,
	logger zerolog.Logger,
) (*Gateway, error) {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	g := &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement a real origin check
				return true
			},
		},
		registry:   registry,
		dir:        dir,
		stats:      stats,
		verifier:   verifier,
		pump:       pump,
		ackTimeout: ackTimeout,
		logger:     logger.With().Str("component", "Gateway").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", g.connectHandler)
	g.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return g, nil
}

// Registry exposes the live-socket table so the pump can resolve targets.
func (g *Gateway) Registry() *Registry { return g.registry }

// Addr reports the bound listen address, once Start has opened the listener.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Start runs the HTTP server for websocket connections.
func (g *Gateway) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("consumer gateway failed to listen: %w", err)
	}
	g.mu.Lock()
	g.listener = listener
	g.mu.Unlock()

	g.logger.Info().Str("addr", listener.Addr().String()).Msg("Consumer gateway starting...")
	if err := g.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("consumer gateway failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener and closes every live connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down consumer gateway...")
	var finalErr error

	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error().Err(err).Msg("Consumer gateway shutdown failed.")
		finalErr = err
	}
	for _, conn := range g.registry.each() {
		if err := conn.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("error closing connection")
		}
	}
	g.logger.Info().Msg("Consumer gateway shut down.")
	return finalErr
}

// connectHandler authenticates the handshake, upgrades the transport and
// runs the connection's read loop until it drops.
func (g *Gateway) connectHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	consumerID, err := auth.ConsumerID(claims)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID := claims.UserID

	// Weaken the previous session's queue so it expires quickly unless the
	// same consumer-ID comes back and refreshes it.
	if prevID := previousConsumerID(r); prevID != "" && prevID != consumerID {
		if err := g.dir.WeakenConsumer(context.Background(), prevID); err != nil {
			g.logger.Warn().Err(err).Str("consumer", prevID).Msg("Failed to weaken previous consumer queue.")
		}
	}

	header := http.Header{}
	header.Add("Set-Cookie", (&http.Cookie{Name: cookieName, Value: consumerID, Path: "/"}).String())

	ws, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	conn := newConn(ws, consumerID, userID, g.ackTimeout, g.logger)
	// A duplicate tab or a racing reconnect: the new socket takes over.
	if prev := g.registry.add(conn); prev != nil {
		g.logger.Info().Str("consumer", consumerID).Msg("Closing displaced connection for consumer.")
		_ = prev.Close()
	}
	defer g.closeConn(conn)

	if err := g.onConnect(conn); err != nil {
		g.logger.Error().Err(err).Str("consumer", consumerID).Msg("Failed to initialize consumer.")
		return
	}
	g.logger.Info().Str("consumer", consumerID).Str("user", userID).Msg("Consumer connected.")

	g.readLoop(conn, ws)
}

// onConnect initializes the consumer's durable state: queue, personal room,
// user tracking, stats, and a first drain for anything queued while away.
func (g *Gateway) onConnect(conn *Conn) error {
	ctx := context.Background()
	if err := g.dir.AddConsumer(ctx, conn.ConsumerID()); err != nil {
		return err
	}
	// Bind the consumer to its user's personal room. A user may have
	// several live consumers.
	if _, err := g.dir.JoinRoom(ctx, "user:"+conn.UserID(), conn.ConsumerID()); err != nil {
		return err
	}
	if err := g.dir.AddUserConsumer(ctx, conn.UserID(), conn.ConsumerID()); err != nil {
		return err
	}
	g.stats.IncrConsumers(ctx, 1)
	g.stats.SetConsumersStats(ctx, int64(g.registry.Len()))
	g.pump.Trigger(conn.ConsumerID())
	return nil
}

// readLoop pumps inbound frames. Client heartbeats are websocket pings: they
// refresh the read deadline, restore the queue TTL, and double as the
// registry desync check.
func (g *Gateway) readLoop(conn *Conn, ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		// The transport is open but the registry lost the ID: force a
		// reconnect rather than serve a socket the pump cannot find.
		if current, ok := g.registry.Get(conn.ConsumerID()); !ok || current != conn {
			g.logger.Warn().Str("consumer", conn.ConsumerID()).Msg("Heartbeat for unregistered connection, closing.")
			return conn.Close()
		}
		if err := g.dir.UpdateConsumer(context.Background(), conn.UserID(), conn.ConsumerID()); err != nil {
			g.logger.Error().Err(err).Str("consumer", conn.ConsumerID()).Msg("Failed to refresh consumer on heartbeat.")
		}
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.handleFrame(data)
	}
}

// closeConn runs the Active -> Grace transition: unregister, untrack from the
// user, weaken the queue for the reconnect window, refresh stats.
func (g *Gateway) closeConn(conn *Conn) {
	_ = conn.Close()
	if !g.registry.remove(conn) {
		// A newer connection already owns this consumer-ID; its bookkeeping
		// is not ours to undo.
		return
	}

	ctx := context.Background()
	if err := g.dir.RemoveUserConsumer(ctx, conn.UserID(), conn.ConsumerID()); err != nil {
		g.logger.Error().Err(err).Str("consumer", conn.ConsumerID()).Msg("Failed to remove user consumer.")
	}
	if err := g.dir.WeakenConsumer(ctx, conn.ConsumerID()); err != nil {
		g.logger.Error().Err(err).Str("consumer", conn.ConsumerID()).Msg("Failed to weaken consumer queue.")
	}
	g.stats.SetConsumersStats(ctx, int64(g.registry.Len()))
	g.logger.Info().Str("consumer", conn.ConsumerID()).Msg("Consumer disconnected.")
}

// previousConsumerID recovers a prior session's ID from the session cookie,
// falling back to the reconnect hint in the query string.
func previousConsumerID(r *http.Request) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("sid")
}
