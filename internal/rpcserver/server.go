// Package rpcserver is the producer-facing control server: a TCP listener
// speaking length-prefixed JSON-RPC. Producers authenticate once per
// connection, then publish messages and manage room subscriptions.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/teambition/snapper-core/internal/auth"
	"github.com/teambition/snapper-core/internal/jsonrpc"
	"github.com/teambition/snapper-core/pkg/gateway"
)

// invalidRequestThreshold is how many non-request frames an authenticated
// connection may send before it is dropped.
const invalidRequestThreshold = 100

// probeThreshold is how many pre-auth failures a source IP may accumulate
// before new connections from it are ignored.
const probeThreshold = 5

// Server accepts producer connections and dispatches their requests against
// the directory store.
type Server struct {
	port     string
	dir      gateway.Directory
	stats    gateway.Stats
	verifier *auth.Verifier
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	clients  map[string]*client
	probes   map[string]int
	closed   bool

	wg sync.WaitGroup
}

// client is one authenticated producer connection.
type client struct {
	conn       net.Conn
	id         string
	producerID string
	invalid    int

	writeMu sync.Mutex
}

// New builds the producer server on the given port.
func New(
	port string,
	dir gateway.Directory,
	stats gateway.Stats,
	verifier *auth.Verifier,
	logger zerolog.Logger,
) *Server {
	return &Server{
		port:     port,
		dir:      dir,
		stats:    stats,
		verifier: verifier,
		logger:   logger.With().Str("component", "RPCServer").Logger(),
		clients:  make(map[string]*client),
		probes:   make(map[string]int),
	}
}

// Addr reports the bound listen address, once Start has opened the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start opens the listener and serves connections until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("producer server failed to listen: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Producer server starting...")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("producer server accept failed: %w", err)
		}
		if s.probed(remoteIP(conn)) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and every live connection, then waits for the
// connection handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down producer server...")
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Producer server shut down.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn runs one connection: authenticate first, then dispatch requests
// until the connection drops or misbehaves past the threshold.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	ip := remoteIP(conn)
	reader := bufio.NewReader(conn)

	c, ok := s.authenticate(conn, reader)
	if !ok {
		s.recordProbe(ip)
		return
	}
	defer s.removeClient(c)
	s.logger.Info().Str("producer", c.producerID).Str("conn", c.id).Msg("Producer connected.")

	for {
		data, err := ReadFrame(reader)
		if err != nil {
			return
		}
		parsed, rpcErr := jsonrpc.Parse(data)
		if rpcErr != nil || parsed.Type != jsonrpc.TypeRequest {
			c.invalid++
			if c.invalid > invalidRequestThreshold {
				s.logger.Warn().Str("conn", c.id).Msg("Closing connection over invalid-frame threshold.")
				return
			}
			continue
		}
		s.dispatch(c, parsed)
	}
}

// authenticate consumes the first frame, which must be an auth request
// carrying a producer token. Failures are answered with a 400 fault.
func (s *Server) authenticate(conn net.Conn, reader *bufio.Reader) (*client, bool) {
	data, err := ReadFrame(reader)
	if err != nil {
		return nil, false
	}
	parsed, rpcErr := jsonrpc.Parse(data)
	if rpcErr != nil || parsed.Type != jsonrpc.TypeRequest || parsed.Payload.Method != "auth" {
		frame, err := jsonrpc.ErrorResponse(nil, jsonrpc.NewError(jsonrpc.CodeUnauthorized, ""))
		s.replyRaw(conn, frame, err)
		return nil, false
	}

	var tokens []string
	if err := json.Unmarshal(parsed.Payload.Params, &tokens); err != nil || len(tokens) == 0 {
		frame, err := jsonrpc.ErrorResponse(parsed.Payload.ID, jsonrpc.NewError(jsonrpc.CodeUnauthorized, ""))
		s.replyRaw(conn, frame, err)
		return nil, false
	}

	claims, err := s.verifier.Verify(tokens[0])
	if err != nil || claims.ProducerID == "" {
		s.logger.Warn().Err(err).Msg("Producer authentication failed.")
		frame, ferr := jsonrpc.ErrorResponse(parsed.Payload.ID, jsonrpc.NewError(jsonrpc.CodeUnauthorized, ""))
		s.replyRaw(conn, frame, ferr)
		return nil, false
	}

	c := &client{
		conn:       conn,
		id:         auth.ConnID(tokens[0]),
		producerID: claims.ProducerID,
	}
	s.addClient(c)
	c.reply(jsonrpc.Success(parsed.Payload.ID, map[string]string{"id": c.id}))
	return c, true
}

// dispatch answers a single authenticated request.
func (s *Server) dispatch(c *client, parsed *jsonrpc.Parsed) {
	ctx := context.Background()
	p := parsed.Payload

	switch p.Method {
	case "publish":
		var pairs [][]string
		if err := json.Unmarshal(p.Params, &pairs); err != nil {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "")))
			return
		}
		var count int64
		for _, pair := range pairs {
			if len(pair) < 2 || pair[0] == "" || pair[1] == "" {
				continue
			}
			if err := s.dir.Broadcast(ctx, pair[0], pair[1]); err != nil {
				s.logger.Error().Err(err).Str("room", pair[0]).Msg("Broadcast failed.")
				continue
			}
			count++
		}
		if count > 0 {
			s.stats.IncrProducerMessages(ctx, count)
		}
		c.reply(jsonrpc.Success(p.ID, count))

	case "subscribe":
		room, consumerID, ok := roomConsumerParams(p.Params)
		if !ok {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "")))
			return
		}
		added, err := s.dir.JoinRoom(ctx, room, consumerID)
		if err != nil {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())))
			return
		}
		c.reply(jsonrpc.Success(p.ID, added))

	case "unsubscribe":
		room, consumerID, ok := roomConsumerParams(p.Params)
		if !ok {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "")))
			return
		}
		removed, err := s.dir.LeaveRoom(ctx, room, consumerID)
		if err != nil {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())))
			return
		}
		c.reply(jsonrpc.Success(p.ID, removed))

	case "consumers":
		var params []string
		if err := json.Unmarshal(p.Params, &params); err != nil || len(params) == 0 || params[0] == "" {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "")))
			return
		}
		ids, err := s.dir.GetUserConsumers(ctx, params[0])
		if err != nil {
			c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())))
			return
		}
		c.reply(jsonrpc.Success(p.ID, breakdown(ids)))

	case "echo":
		c.reply(jsonrpc.Success(p.ID, p.Params))

	case "auth":
		// Already authenticated; answer with the existing connection ID.
		c.reply(jsonrpc.Success(p.ID, map[string]string{"id": c.id}))

	default:
		c.reply(jsonrpc.ErrorResponse(p.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "")))
	}
}

// breakdown groups a user's consumer-IDs by client platform.
func breakdown(ids []string) gateway.ConsumerBreakdown {
	b := gateway.ConsumerBreakdown{Length: len(ids), IDs: ids}
	if b.IDs == nil {
		b.IDs = []string{}
	}
	for _, id := range ids {
		switch auth.IDSource(id) {
		case "android":
			b.Android++
		case "ios":
			b.IOS++
		default:
			b.Web++
		}
	}
	return b
}

func roomConsumerParams(raw json.RawMessage) (room, consumerID string, ok bool) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 2 || params[0] == "" || params[1] == "" {
		return "", "", false
	}
	return params[0], params[1], true
}

func (c *client) reply(frame []byte, err error) {
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = WriteFrame(c.conn, frame)
}

// replyRaw writes a response to a connection that never reached the client
// table.
func (s *Server) replyRaw(conn net.Conn, frame []byte, err error) {
	if err != nil {
		return
	}
	_ = WriteFrame(conn, frame)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.clients[c.id]; ok {
		_ = prev.conn.Close()
	}
	s.clients[c.id] = c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
}

func (s *Server) probed(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes[ip] > probeThreshold
}

func (s *Server) recordProbe(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[ip]++
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
