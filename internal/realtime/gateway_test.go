package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/teambition/snapper-core/internal/auth"
	"github.com/teambition/snapper-core/internal/jsonrpc"
	"github.com/teambition/snapper-core/pkg/gateway"
)

const testUserID = "5f5e4f1b2a3c4d5e6f708192"

// --- Mocks ---

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) JoinRoom(ctx context.Context, room, consumerID string) (int64, error) {
	args := m.Called(ctx, room, consumerID)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockDirectory) LeaveRoom(ctx context.Context, room, consumerID string) (bool, error) {
	args := m.Called(ctx, room, consumerID)
	return args.Bool(0), args.Error(1)
}
func (m *mockDirectory) Broadcast(ctx context.Context, room, message string) error {
	args := m.Called(ctx, room, message)
	return args.Error(0)
}
func (m *mockDirectory) AddConsumer(ctx context.Context, consumerID string) error {
	args := m.Called(ctx, consumerID)
	return args.Error(0)
}
func (m *mockDirectory) UpdateConsumer(ctx context.Context, userID, consumerID string) error {
	args := m.Called(ctx, userID, consumerID)
	return args.Error(0)
}
func (m *mockDirectory) WeakenConsumer(ctx context.Context, consumerID string) error {
	args := m.Called(ctx, consumerID)
	return args.Error(0)
}
func (m *mockDirectory) AddUserConsumer(ctx context.Context, userID, consumerID string) error {
	args := m.Called(ctx, userID, consumerID)
	return args.Error(0)
}
func (m *mockDirectory) RemoveUserConsumer(ctx context.Context, userID, consumerID string) error {
	args := m.Called(ctx, userID, consumerID)
	return args.Error(0)
}
func (m *mockDirectory) GetUserConsumers(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	var res []string
	if v, ok := args.Get(0).([]string); ok {
		res = v
	}
	return res, args.Error(1)
}
func (m *mockDirectory) PullMessages(ctx context.Context, consumerID string, max int64) ([]string, error) {
	args := m.Called(ctx, consumerID, max)
	var res []string
	if v, ok := args.Get(0).([]string); ok {
		res = v
	}
	return res, args.Error(1)
}
func (m *mockDirectory) TrimDelivered(ctx context.Context, consumerID string, n int64) error {
	args := m.Called(ctx, consumerID, n)
	return args.Error(0)
}
func (m *mockDirectory) Notifications(ctx context.Context) (<-chan []string, error) {
	args := m.Called(ctx)
	return args.Get(0).(<-chan []string), args.Error(1)
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) IncrProducerMessages(ctx context.Context, n int64) { m.Called(ctx, n) }

func (m *mockStats) IncrConsumerMessages(ctx context.Context, n int64) { m.Called(ctx, n) }

func (m *mockStats) IncrConsumers(ctx context.Context, n int64) { m.Called(ctx, n) }

func (m *mockStats) SetConsumersStats(ctx context.Context, n int64) { m.Called(ctx, n) }
func (m *mockStats) ClientsStats(context.Context) (*gateway.StatsSnapshot, error) {
	return nil, nil
}

type mockPump struct {
	triggered chan string
}

func newMockPump() *mockPump {
	return &mockPump{triggered: make(chan string, 8)}
}

func (m *mockPump) Trigger(consumerID string) {
	select {
	case m.triggered <- consumerID:
	default:
	}
}

// --- Fixture ---

type gatewayFixture struct {
	gw       *Gateway
	dir      *mockDirectory
	stats    *mockStats
	pump     *mockPump
	verifier *auth.Verifier
	server   *httptest.Server
}

func setupGateway(t *testing.T, ackTimeout time.Duration) *gatewayFixture {
	t.Helper()

	verifier, err := auth.NewVerifier([]string{"test-secret"}, time.Hour)
	require.NoError(t, err)

	dir := new(mockDirectory)
	stats := new(mockStats)
	p := newMockPump()

	gw, err := NewGateway("0", dir, stats, verifier, p, NewRegistry(), ackTimeout, zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(gw.connectHandler))
	t.Cleanup(server.Close)

	return &gatewayFixture{gw: gw, dir: dir, stats: stats, pump: p, verifier: verifier, server: server}
}

func (fx *gatewayFixture) allowConnect() {
	fx.dir.On("AddConsumer", mock.Anything, mock.Anything).Return(nil)
	fx.dir.On("JoinRoom", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	fx.dir.On("AddUserConsumer", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	fx.dir.On("RemoveUserConsumer", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	fx.dir.On("WeakenConsumer", mock.Anything, mock.Anything).Return(nil)
	fx.stats.On("IncrConsumers", mock.Anything, mock.Anything).Return()
	fx.stats.On("SetConsumersStats", mock.Anything, mock.Anything).Return()
}

func (fx *gatewayFixture) wsURL(query string) string {
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/websocket"
	if query != "" {
		url += "?" + query
	}
	return url
}

func (fx *gatewayFixture) signToken(t *testing.T, claims *auth.Claims) string {
	t.Helper()
	token, err := fx.verifier.Sign(claims)
	require.NoError(t, err)
	return token
}

func (fx *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(fx.wsURL("token="+token), nil)
	require.NoError(t, err)
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// --- Tests ---

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	fx := setupGateway(t, time.Second)

	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL("token=garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRequiresUserIdentity(t *testing.T) {
	fx := setupGateway(t, time.Second)

	// A producer credential has no userId claim.
	token := fx.signToken(t, &auth.Claims{ProducerID: "backend-1"})

	_, resp, err := websocket.DefaultDialer.Dial(fx.wsURL("token="+token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectInitializesConsumer(t *testing.T) {
	fx := setupGateway(t, time.Second)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws := fx.dial(t, token)
	defer func() { _ = ws.Close() }()

	var consumerID string
	select {
	case consumerID = <-fx.pump.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pump trigger after connect")
	}

	require.Eventually(t, func() bool {
		return fx.gw.Registry().Has(consumerID)
	}, 2*time.Second, 10*time.Millisecond)

	fx.dir.AssertCalled(t, "AddConsumer", mock.Anything, consumerID)
	fx.dir.AssertCalled(t, "JoinRoom", mock.Anything, "user:"+testUserID, consumerID)
	fx.dir.AssertCalled(t, "AddUserConsumer", mock.Anything, testUserID, consumerID)
}

func TestCloseWeakensAndUntracks(t *testing.T) {
	fx := setupGateway(t, time.Second)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws := fx.dial(t, token)

	var consumerID string
	select {
	case consumerID = <-fx.pump.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pump trigger after connect")
	}

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return !fx.gw.Registry().Has(consumerID)
	}, 2*time.Second, 10*time.Millisecond)

	fx.dir.AssertCalled(t, "RemoveUserConsumer", mock.Anything, testUserID, consumerID)
	fx.dir.AssertCalled(t, "WeakenConsumer", mock.Anything, consumerID)
}

func TestReconnectHintWeakensPreviousQueue(t *testing.T) {
	fx := setupGateway(t, time.Second)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws, resp, err := websocket.DefaultDialer.Dial(fx.wsURL("token="+token+"&sid=t.previous-session-id"), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	defer func() { _ = resp.Body.Close() }()

	require.Eventually(t, func() bool {
		return len(fx.pump.triggered) > 0
	}, 2*time.Second, 10*time.Millisecond)

	fx.dir.AssertCalled(t, "WeakenConsumer", mock.Anything, "t.previous-session-id")

	// The handshake response pins the new consumer-ID for the next reconnect.
	var sessionCookie string
	for _, c := range resp.Cookies() {
		if c.Name == "snapper.ws" {
			sessionCookie = c.Value
		}
	}
	assert.NotEmpty(t, sessionCookie)
}

func TestEchoRequest(t *testing.T) {
	fx := setupGateway(t, time.Second)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws := fx.dial(t, token)

	frame, err := jsonrpc.Request(9, "echo", []string{"ping"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	parsed, rpcErr := jsonrpc.Parse(data)
	require.Nil(t, rpcErr)
	assert.Equal(t, jsonrpc.TypeSuccess, parsed.Type)
	assert.True(t, parsed.Payload.IDEquals(9))

	var params []string
	require.NoError(t, json.Unmarshal(parsed.Payload.Result, &params))
	assert.Equal(t, []string{"ping"}, params)
}

func TestSendBatchAcknowledged(t *testing.T) {
	fx := setupGateway(t, 2*time.Second)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws := fx.dial(t, token)

	var consumerID string
	select {
	case consumerID = <-fx.pump.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pump trigger after connect")
	}

	conn, ok := fx.gw.Registry().Get(consumerID)
	require.True(t, ok)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- conn.SendBatch(context.Background(), []string{"m1", "m2"})
	}()

	// The client sees one batched publish request.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	parsed, rpcErr := jsonrpc.Parse(data)
	require.Nil(t, rpcErr)
	require.Equal(t, jsonrpc.TypeRequest, parsed.Type)
	assert.Equal(t, "publish", parsed.Payload.Method)

	var messages []string
	require.NoError(t, json.Unmarshal(parsed.Payload.Params, &messages))
	assert.Equal(t, []string{"m1", "m2"}, messages)

	// Acknowledge with the same correlation ID.
	ack, err := jsonrpc.Success(parsed.Payload.ID, "OK")
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, ack))

	select {
	case err := <-sendErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SendBatch did not return after ack")
	}
}

func TestSendBatchMismatchedAckTimesOut(t *testing.T) {
	fx := setupGateway(t, 300*time.Millisecond)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws := fx.dial(t, token)

	var consumerID string
	select {
	case consumerID = <-fx.pump.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pump trigger after connect")
	}
	conn, ok := fx.gw.Registry().Get(consumerID)
	require.True(t, ok)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- conn.SendBatch(context.Background(), []string{"m1"})
	}()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage() // the publish request
	require.NoError(t, err)

	// Reply with a correlation ID that was never issued.
	badAck := []byte(`{"jsonrpc":"2.0","id":999,"result":"OK"}`)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, badAck))

	// The mismatch is diagnosed back to the client...
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	parsed, rpcErr := jsonrpc.Parse(data)
	require.Nil(t, rpcErr)
	assert.Equal(t, jsonrpc.TypeNotification, parsed.Type)
	assert.Equal(t, "invalid", parsed.Payload.Method)

	// ...and the batch send fails by timeout, leaving the queue untrimmed.
	select {
	case err := <-sendErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SendBatch did not time out")
	}
}

func TestDuplicateConnectionTakesOver(t *testing.T) {
	fx := setupGateway(t, time.Second)
	fx.allowConnect()

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})

	first := fx.dial(t, token)
	select {
	case <-fx.pump.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pump trigger after first connect")
	}

	second := fx.dial(t, token)
	defer func() { _ = second.Close() }()

	// The first transport is force-closed by the takeover.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	assert.Equal(t, 1, fx.gw.Registry().Len())
}

func TestHeartbeatRefreshesConsumer(t *testing.T) {
	fx := setupGateway(t, time.Second)
	fx.allowConnect()

	updated := make(chan struct{}, 1)
	fx.dir.On("UpdateConsumer", mock.Anything, testUserID, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case updated <- struct{}{}:
			default:
			}
		}).Return(nil)

	token := fx.signToken(t, &auth.Claims{UserID: testUserID})
	ws := fx.dial(t, token)

	select {
	case <-fx.pump.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a pump trigger after connect")
	}

	require.NoError(t, ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)))

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not refresh the consumer")
	}
}
