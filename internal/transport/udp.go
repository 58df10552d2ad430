package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/chronologos/gstream/internal/protocol"
)

// DialDatagram opens a connected UDP socket to host:port. The media and input
// channels each own one.
func DialDatagram(ctx context.Context, host string, port int) (*net.UDPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", hostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: udp dial %s:%d: %v", protocol.ErrNetwork, host, port, err)
	}
	return conn.(*net.UDPConn), nil
}
