package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/collab-gateway/internal/v1/auth"
	"github.com/medatlas/collab-gateway/internal/v1/config"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
	"github.com/medatlas/collab-gateway/internal/v1/transport"
	"github.com/medatlas/collab-gateway/internal/v1/validator"
)

// mockConn satisfies the transport connection contract. WriteMessage
// records outbound frames; ReadMessage blocks until Close so the read
// pump stays parked, and Close triggers the disconnect chain.
type mockConn struct {
	mu     sync.Mutex
	frames []protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{closed: make(chan struct{})}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	<-m.closed
	return 0, nil, errors.New("connection closed")
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	m.mu.Unlock()
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

func (m *mockConn) snapshot() []protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Frame(nil), m.frames...)
}

// waitForEvent polls until a frame with the event name appears, skipping
// frames recorded before the offset.
func (m *mockConn) waitForEvent(t *testing.T, event string, offset int) protocol.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, frame := range m.snapshot()[offset:] {
			if frame.Event == event {
				return frame
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for event %q; got %v", event, eventNames(m.snapshot()[offset:]))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// countEvents reports how many recorded frames carry the event name.
func (m *mockConn) countEvents(event string) int {
	count := 0
	for _, frame := range m.snapshot() {
		if frame.Event == event {
			count++
		}
	}
	return count
}

func eventNames(frames []protocol.Frame) []string {
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

func decodePayload[T any](t *testing.T, frame protocol.Frame) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	return payload
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConnectionsPerUser: 5,
		RoomLimits: map[string]int{
			"surgery-management": 20,
			"admin_panel":        5,
			"chat":               100,
			"default":            50,
		},
		LockTTL:             3 * time.Hour,
		WarningTime:         15 * time.Minute,
		SweepInterval:       time.Minute,
		HeartbeatInterval:   time.Minute,
		ForceRequestTimeout: 30 * time.Second,
		EnableAutoLock:      true,
		GatewayEnabled:      true,
		ShutdownGrace:       5 * time.Second,
		ReconnectIn:         5 * time.Second,
	}
}

type testGateway struct {
	*Gateway
	clock     *clockwork.FakeClock
	validator *validator.StaticValidator
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	clock := clockwork.NewFakeClock()
	resources := validator.NewStaticValidator(false)
	g := New(testConfig(), clock, nil, nil, resources, nil)
	t.Cleanup(g.locks.Stop)
	return &testGateway{Gateway: g, clock: clock, validator: resources}
}

// connect admits an authenticated client backed by a mock connection and
// starts its pumps.
func (tg *testGateway) connect(t *testing.T, connID, userID string) (*transport.Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := transport.NewClient(connID, &auth.AuthenticatedUser{UserID: userID, Username: "user-" + userID},
		transport.Metadata{Transport: "websocket", ConnectedAt: tg.clock.Now()},
		conn, tg.Gateway, 0, 0)
	_, err := tg.registry.Add(client)
	require.NoError(t, err)
	client.Start()
	t.Cleanup(func() {
		client.Disconnect()
		conn.Close()
	})
	return client, conn
}

func frameOf(t *testing.T, event string, payload any) protocol.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return protocol.Frame{Event: event, Payload: raw}
}
