package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

// MockConnection implements wsConnection.
type MockConnection struct {
	mu       sync.Mutex
	written  [][]byte
	types    []int
	closed   bool
	readCh   chan readResult
	closedCh chan struct{}
}

type readResult struct {
	messageType int
	data        []byte
	err         error
}

func NewMockConnection() *MockConnection {
	return &MockConnection{
		readCh:   make(chan readResult, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *MockConnection) QueueRead(messageType int, data []byte) {
	m.readCh <- readResult{messageType: messageType, data: data}
}

func (m *MockConnection) QueueReadError(err error) {
	m.readCh <- readResult{err: err}
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	select {
	case r := <-m.readCh:
		return r.messageType, r.data, r.err
	case <-m.closedCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("write on closed connection")
	}
	m.types = append(m.types, messageType)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	return nil
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(time.Time) error      { return nil }
func (m *MockConnection) SetReadDeadline(time.Time) error       { return nil }
func (m *MockConnection) SetPongHandler(func(appData string) error) {}

func (m *MockConnection) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *MockConnection) WrittenTypes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.types))
	copy(out, m.types)
	return out
}

func (m *MockConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockHandler records dispatched frames and disconnects.
type MockHandler struct {
	mu          sync.Mutex
	frames      []protocol.Frame
	disconnects int
}

func (h *MockHandler) HandleFrame(_ context.Context, _ *Client, frame protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
}

func (h *MockHandler) HandleDisconnect(_ *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *MockHandler) Frames() []protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

func (h *MockHandler) Disconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnects
}
