package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
)

// tcpConn frames control messages over a plain TCP connection.
type tcpConn struct {
	conn      net.Conn
	writeMu   sync.Mutex // keepalive and IDR requests write from different goroutines
	closeOnce sync.Once
}

func newTCPConn(conn net.Conn) *tcpConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		// control frames are tiny and latency sensitive
		tc.SetNoDelay(true)
	}
	return &tcpConn{conn: conn}
}

// DialTCPConn connects to a control port over TCP.
func DialTCPConn(ctx context.Context, host string, port int) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: tcp dial: %v", protocol.ErrNetwork, err)
	}
	return newTCPConn(conn), nil
}

func (c *tcpConn) ReadControl() (any, error) {
	return protocol.ReadControl(c.conn)
}

func (c *tcpConn) WriteControl(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteControl(c.conn, msg)
}

func (c *tcpConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// tcpListener accepts plain TCP control connections.
type tcpListener struct {
	ln   net.Listener
	port int
}

// ListenTCP listens on all interfaces; port 0 picks a free port.
func ListenTCP(port int) (Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	return &tcpListener{ln: ln, port: ln.Addr().(*net.TCPAddr).Port}, nil
}

func (l *tcpListener) Port() int {
	return l.port
}

// Accept waits for a connection or ctx cancellation.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept tcp connection: %w", res.err)
		}
		return newTCPConn(res.conn), nil
	case <-ctx.Done():
		// The goroutine unblocks when the listener is closed. Close any
		// connection it accepted in the meantime.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
