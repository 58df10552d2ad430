// Package handshake confirms the host's streaming service is ready for the
// just-launched game session before any stream socket is opened.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
)

// DefaultTimeout applies when ctx carries no deadline.
const DefaultTimeout = 5 * time.Second

// ErrRejected means the host answered but is not ready for the session.
var ErrRejected = errors.New("handshake rejected")

// Do performs the handshake against host:port. It retains no state: success
// means the channels may be opened, any error is terminal for the attempt.
func Do(ctx context.Context, host string, port int, gameSession uint32, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	log := logger.With("component", "handshake")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: handshake dial: %v", protocol.ErrNetwork, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	// Unblock I/O if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteHandshakeRequest(conn, &protocol.HandshakeRequest{GameSession: gameSession}); err != nil {
		return fmt.Errorf("%w: write handshake: %v", protocol.ErrNetwork, err)
	}

	resp, err := protocol.ReadHandshakeResponse(conn)
	switch {
	case errors.Is(err, protocol.ErrBadMagic):
		return fmt.Errorf("%w: handshake: %w", protocol.ErrProtocol, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: host closed handshake", protocol.ErrProtocol)
	case err != nil:
		return fmt.Errorf("%w: read handshake: %v", protocol.ErrNetwork, err)
	}

	if resp.Status != protocol.HandshakeOK {
		return fmt.Errorf("%w: %w: %v", protocol.ErrProtocol, ErrRejected, resp.Status)
	}
	log.Debug("handshake ok", "game_session", gameSession)
	return nil
}
