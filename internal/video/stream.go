package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

const pingInterval = 500 * time.Millisecond

// Stream owns the video socket and feeds datagrams to a Depacketizer.
type Stream struct {
	conn   *net.UDPConn
	depack *Depacketizer
	log    *slog.Logger
	idle   time.Duration

	done      chan struct{}
	abortOnce sync.Once
	wg        sync.WaitGroup
}

// StartStream dials the host's video port, pings it so the host learns our
// return address, and starts the receive loop.
func StartStream(ctx context.Context, host string, port int, depack *Depacketizer, logger *slog.Logger) (*Stream, error) {
	if port == 0 {
		port = protocol.PortVideo
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := transport.DialDatagram(ctx, host, port)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		logger.Debug("could not grow video socket buffer", "err", err)
	}

	s := &Stream{
		conn:   conn,
		depack: depack,
		log:    logger.With("component", "video"),
		idle:   depack.cfg.ReorderWindow / 2,
		done:   make(chan struct{}),
	}
	if _, err := conn.Write(protocol.PingPayload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: video ping: %v", protocol.ErrNetwork, err)
	}

	firstPacket := make(chan struct{})
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pingUntil(firstPacket)
	}()
	go func() {
		defer s.wg.Done()
		s.receiveLoop(firstPacket)
	}()
	return s, nil
}

// LocalAddr is the client side of the video socket.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// pingUntil repeats the ping until the host starts sending.
func (s *Stream) pingUntil(firstPacket <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.conn.Write(protocol.PingPayload)
		case <-firstPacket:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Stream) receiveLoop(firstPacket chan struct{}) {
	pool := s.depack.Pool()
	gotFirst := false
	for {
		buf := pool.Get()
		s.conn.SetReadDeadline(time.Now().Add(s.idle))
		n, err := s.conn.Read(buf)
		if err != nil {
			pool.Put(buf)
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				s.depack.Expire()
				continue
			case errors.Is(err, net.ErrClosed):
				return
			default:
				// ICMP errors surface on connected UDP sockets before the
				// host starts streaming.
				s.log.Debug("video read error", "err", err)
				select {
				case <-s.done:
					return
				case <-time.After(s.idle):
				}
				continue
			}
		}
		if !gotFirst {
			gotFirst = true
			close(firstPacket)
			s.log.Debug("first video datagram")
		}
		s.depack.Add(buf, n)
	}
}

// Abort stops the receive loop, aborts the depacketizer and waits for the
// goroutines. Safe to call more than once.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	s.wg.Wait()
	s.depack.Abort()
}
