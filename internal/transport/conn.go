// Package transport carries control-channel frames over a byte stream (plain
// TCP, or a QUIC stream when the host offers it) and dials the datagram
// sockets used by the media and input channels.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DialMode selects which transport carries the control channel.
type DialMode int

const (
	DialTCP DialMode = iota
	DialQUIC
)

func (m DialMode) String() string {
	switch m {
	case DialTCP:
		return "tcp"
	case DialQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseDialMode maps a config value ("tcp", "quic") to a DialMode.
func ParseDialMode(s string) (DialMode, error) {
	switch s {
	case "tcp", "":
		return DialTCP, nil
	case "quic":
		return DialQUIC, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// Conn is a framed control-channel connection. Both TCP and QUIC
// implementations satisfy this interface. Writes are serialized internally;
// reads must come from a single goroutine.
type Conn interface {
	ReadControl() (any, error)
	WriteControl(msg any) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	// Close unblocks any pending ReadControl. Safe to call more than once.
	Close() error
}

// Listener accepts control-channel connections. Used by the host simulator.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Port() int
	Close() error
}

// Fingerprinter is implemented by listeners that present a certificate. The
// result is the SHA-256 of the certificate, the value clients pin.
type Fingerprinter interface {
	Fingerprint() []byte
}

type dialOptions struct {
	certPin []byte
}

// DialOption adjusts Dial.
type DialOption func(*dialOptions)

// WithCertPin accepts only a host certificate whose SHA-256 equals pin. TCP
// carries no certificate and ignores it. An empty pin accepts any host.
func WithCertPin(pin []byte) DialOption {
	return func(o *dialOptions) { o.certPin = pin }
}

// Dial connects to the host's control port with the given mode.
func Dial(ctx context.Context, mode DialMode, host string, port int, opts ...DialOption) (Conn, error) {
	var o dialOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch mode {
	case DialTCP:
		return DialTCPConn(ctx, host, port)
	case DialQUIC:
		return DialQUICConn(ctx, host, port, o.certPin)
	default:
		return nil, fmt.Errorf("unsupported dial mode %v", mode)
	}
}

// Listen opens a control-channel listener with the given mode on port
// (0 picks a free port).
func Listen(mode DialMode, port int) (Listener, error) {
	switch mode {
	case DialTCP:
		return ListenTCP(port)
	case DialQUIC:
		return ListenQUIC(port)
	default:
		return nil, fmt.Errorf("unsupported listen mode %v", mode)
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
