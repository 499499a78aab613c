package comengine

import (
	"context"
	"sync"
	"time"
)

// Transport is the minimal wire-level contract: connect, disconnect,
// send, receive with timeout, and a connectedness probe. One Transport
// per channel; channels never share transport state.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, data []byte) (int, error)
	Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
	IsConnected() bool
}

// MockTransport is the required test double: an in-memory queue of
// canned responses keyed by nothing more than call order, so engine unit
// tests never need real hardware.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	responses [][]byte
	sent      [][]byte
	ConnectFn func(ctx context.Context) error // optional hook to simulate connect failure
}

// NewMockTransport builds a MockTransport. Queue responses with
// QueueResponse before the code under test calls Receive.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Connect(ctx context.Context) error {
	if m.ConnectFn != nil {
		if err := m.ConnectFn(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) Send(ctx context.Context, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.sent = append(m.sent, cp)
	return len(data), nil
}

func (m *MockTransport) Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return 0, newErr(ErrTransport, "receive", "no queued response", nil)
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	n := copy(buf, next)
	return n, nil
}

// QueueResponse appends a byte slice MockTransport.Receive will return on
// its next call, in FIFO order.
func (m *MockTransport) QueueResponse(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, append([]byte(nil), data...))
}

// SentFrames returns every payload previously passed to Send, for test
// assertions about PDU construction.
func (m *MockTransport) SentFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}
