package transport

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/medatlas/collab-gateway/internal/v1/auth"
	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(conn wsConnection, handler FrameHandler) *Client {
	user := &auth.AuthenticatedUser{UserID: "user-1", Username: "alice"}
	meta := Metadata{RemoteAddr: "127.0.0.1:1234", UserAgent: "test", ConnectedAt: time.Now()}
	return NewClient("conn-1", user, meta, conn, handler, 0, 0)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClient_SendEncodesFrame(t *testing.T) {
	conn := NewMockConnection()
	client := newTestClient(conn, &MockHandler{})
	client.Start()

	client.Send(protocol.EventRoomJoined, protocol.RoomJoinedPayload{RoomID: "x:y", CurrentUsers: 1, MaxUsers: 50})

	waitFor(t, func() bool { return len(conn.Written()) == 1 })

	frame, err := protocol.DecodeFrame(conn.Written()[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.EventRoomJoined, frame.Event)

	var p protocol.RoomJoinedPayload
	require.NoError(t, frame.Bind(&p))
	assert.Equal(t, "x:y", p.RoomID)

	client.Disconnect()
	waitFor(t, conn.IsClosed)
}

func TestClient_ReadPumpRoutesFrames(t *testing.T) {
	conn := NewMockConnection()
	handler := &MockHandler{}
	client := newTestClient(conn, handler)
	client.Start()

	conn.QueueRead(websocket.TextMessage, []byte(`{"event":"room:join","payload":{"roomId":"a:b"}}`))

	waitFor(t, func() bool { return len(handler.Frames()) == 1 })
	assert.Equal(t, "room:join", handler.Frames()[0].Event)

	client.Disconnect()
	waitFor(t, conn.IsClosed)
}

func TestClient_ReadPumpIgnoresBinaryFrames(t *testing.T) {
	conn := NewMockConnection()
	handler := &MockHandler{}
	client := newTestClient(conn, handler)
	client.Start()

	conn.QueueRead(websocket.BinaryMessage, []byte{0x01, 0x02})
	conn.QueueRead(websocket.TextMessage, []byte(`{"event":"user:heartbeat"}`))

	waitFor(t, func() bool { return len(handler.Frames()) == 1 })
	assert.Equal(t, "user:heartbeat", handler.Frames()[0].Event)

	client.Disconnect()
	waitFor(t, conn.IsClosed)
}

func TestClient_MalformedFrameEmitsSocketError(t *testing.T) {
	conn := NewMockConnection()
	handler := &MockHandler{}
	client := newTestClient(conn, handler)
	client.Start()

	conn.QueueRead(websocket.TextMessage, []byte(`garbage`))

	waitFor(t, func() bool { return len(conn.Written()) == 1 })

	frame, err := protocol.DecodeFrame(conn.Written()[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.EventSocketError, frame.Event)

	var p protocol.SocketError
	require.NoError(t, frame.Bind(&p))
	assert.Equal(t, protocol.CategoryValidation, p.Category)
	assert.Equal(t, "conn-1", p.SocketID)

	assert.Empty(t, handler.Frames(), "malformed frames must not reach the dispatcher")

	client.Disconnect()
	waitFor(t, conn.IsClosed)
}

func TestClient_DisconnectRunsCleanupChain(t *testing.T) {
	conn := NewMockConnection()
	handler := &MockHandler{}
	client := newTestClient(conn, handler)
	client.Start()

	conn.QueueReadError(assert.AnError)

	waitFor(t, func() bool { return handler.Disconnects() == 1 })
	waitFor(t, conn.IsClosed)
	assert.True(t, client.IsClosed())
}

func TestClient_DisconnectFlushesQueuedFramesFirst(t *testing.T) {
	conn := NewMockConnection()
	client := newTestClient(conn, nil)

	// Queue before the pump starts so flush ordering is observable.
	client.Send(protocol.EventAuthenticated, protocol.AuthenticatedPayload{Success: false, Error: "INVALID_TOKEN"})
	client.Disconnect()
	client.Start()

	waitFor(t, conn.IsClosed)

	written := conn.Written()
	types := conn.WrittenTypes()
	require.Len(t, written, 2)
	assert.Equal(t, websocket.TextMessage, types[0])
	assert.Equal(t, websocket.CloseMessage, types[1])

	frame, err := protocol.DecodeFrame(written[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.EventAuthenticated, frame.Event)
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	conn := NewMockConnection()
	client := newTestClient(conn, nil)
	client.Start()

	client.Disconnect()
	client.Disconnect()
	client.Disconnect()

	waitFor(t, conn.IsClosed)
	assert.True(t, client.IsClosed())
}

func TestClient_SendAfterDisconnectIsDropped(t *testing.T) {
	conn := NewMockConnection()
	client := newTestClient(conn, nil)
	client.Start()
	client.Disconnect()
	waitFor(t, conn.IsClosed)

	// Must not panic.
	client.Send(protocol.EventRoomJoined, protocol.RoomJoinedPayload{RoomID: "x:y"})
}

func TestClient_BufferOverflowDisconnectsSlowClient(t *testing.T) {
	conn := NewMockConnection()
	client := newTestClient(conn, nil)
	// Pumps deliberately not started: nothing drains the buffer, so this
	// simulates a client that has stopped reading.

	for i := 0; i < 256; i++ {
		client.Send(protocol.EventUserHeartbeat, nil)
	}
	assert.False(t, client.IsClosed())

	// The first frame that does not fit ends the connection instead of
	// silently losing state the client can never recover.
	client.Send(protocol.EventUserHeartbeat, nil)
	assert.True(t, client.IsClosed())
}

func TestClient_UserAccessors(t *testing.T) {
	client := newTestClient(NewMockConnection(), nil)
	assert.Equal(t, "user-1", client.UserID())
	assert.Equal(t, "alice", client.Username())

	anon := NewClient("conn-2", nil, Metadata{}, NewMockConnection(), nil, 0, 0)
	assert.Equal(t, "", anon.UserID())
	assert.Equal(t, "", anon.Username())
}
