package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/gstream/internal/protocol"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:    30 * time.Second,
	KeepAlivePeriod:   5 * time.Second,
	InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
}

// quicConn frames control messages over a single bidirectional QUIC stream.
type quicConn struct {
	qconn     *quic.Conn
	stream    *quic.Stream
	tr        *quic.Transport // client side only; keeps the UDP socket alive
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialQUICConn connects to a control port over QUIC and opens the control
// stream. The stream is announced to the peer by the first write, which the
// control channel does immediately (StartA). A non-empty pin restricts the
// host to a certificate with that SHA-256.
func DialQUICConn(ctx context.Context, host string, port int, pin []byte) (Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s:%d: %v", protocol.ErrNetwork, host, port, err)
	}

	network := "udp6"
	if addr.IP.To4() != nil {
		network = "udp4"
	}
	udpConn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, clientConfig(pin), quicConfig)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("%w: quic dial: %v", protocol.ErrNetwork, err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("%w: open control stream: %v", protocol.ErrNetwork, err)
	}

	return &quicConn{qconn: qconn, stream: stream, tr: tr}, nil
}

func (c *quicConn) ReadControl() (any, error) {
	return protocol.ReadControl(c.stream)
}

func (c *quicConn) WriteControl(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteControl(c.stream, msg)
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

// Close cancels the stream and closes the QUIC connection. On the client side
// it also closes the UDP socket.
func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			err = c.tr.Close()
		}
	})
	return err
}

// quicListener accepts QUIC control connections.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
	cert hostCert
}

// ListenQUIC listens for QUIC control connections with an ephemeral
// self-signed certificate. The returned listener implements Fingerprinter.
func ListenQUIC(port int) (Listener, error) {
	cert, err := newHostCert(hostCertName, hostCertLifetime)
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(cert.serverConfig(), quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
		cert: cert,
	}, nil
}

func (l *quicListener) Port() int {
	return l.port
}

func (l *quicListener) Fingerprint() []byte {
	return l.cert.fingerprint
}

// Accept waits for a connection and its first stream.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept quic connection: %w", err)
	}
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no control stream")
		return nil, fmt.Errorf("accept control stream: %w", err)
	}
	return &quicConn{qconn: qconn, stream: stream}, nil
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
