package comengine

import (
	"context"
	"net"
	"sync"
	"time"
)

// TCPTransport is the network Transport used by modbus_tcp, iec104, and
// gateway-bridged RTU/CAN channels. One TCPTransport per channel; no
// transport state is ever shared across channels.
type TCPTransport struct {
	addr        string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport builds a disconnected transport for addr ("host:port").
func NewTCPTransport(addr string, dialTimeout time.Duration) *TCPTransport {
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	return &TCPTransport{addr: addr, dialTimeout: dialTimeout}
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return newErr(ErrTransport, "connect", "dial "+t.addr, err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return newErr(ErrTransport, "disconnect", "close "+t.addr, err)
	}
	return nil
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCPTransport) Send(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, newErr(ErrTransport, "send", "not connected", nil)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	n, err := conn.Write(data)
	if err != nil {
		return n, newErr(ErrTransport, "send", "write "+t.addr, err)
	}
	return n, nil
}

func (t *TCPTransport) Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, newErr(ErrTransport, "receive", "not connected", nil)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, newErr(ErrTransport, "receive", "timeout", err)
		}
		return n, newErr(ErrTransport, "receive", "read "+t.addr, err)
	}
	return n, nil
}
