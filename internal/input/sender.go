// Package input turns local keyboard, mouse and gamepad events into input
// packets and sends them to the host. Sending never blocks the caller: a
// full queue drops its oldest packet.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/metrics"
	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

// DefaultQueueSize bounds packets waiting for the socket.
const DefaultQueueSize = 64

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("input sender closed")

type SenderConfig struct {
	Host string
	Port int
	// Key seals every packet when set. Nil sends plaintext.
	Key       *identity.RemoteInputKey
	QueueSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Sender owns the input socket and a writer goroutine.
type Sender struct {
	conn    net.Conn
	seal    *sealer
	queue   chan any
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex // guards dropped
	dropped uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSender dials the host's input port and starts the writer.
func NewSender(ctx context.Context, cfg SenderConfig) (*Sender, error) {
	if cfg.Port == 0 {
		cfg.Port = protocol.PortInput
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var seal *sealer
	if cfg.Key != nil {
		var err error
		if seal, err = newSealer(*cfg.Key); err != nil {
			return nil, err
		}
	}
	conn, err := transport.DialDatagram(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}

	s := &Sender{
		conn:    conn,
		seal:    seal,
		queue:   make(chan any, cfg.QueueSize),
		log:     logger.With("component", "input"),
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop()
	}()
	return s, nil
}

// Send queues one input packet. msg must be a pointer to one of the protocol
// input types and must not be modified afterwards.
func (s *Sender) Send(msg any) error {
	switch msg.(type) {
	case *protocol.Keyboard, *protocol.MouseMove, *protocol.MouseButton, *protocol.Scroll, *protocol.Controller:
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownMessage, msg)
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	for {
		select {
		case s.queue <- msg:
			return nil
		default:
		}
		// full: drop the oldest and retry
		select {
		case <-s.queue:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.metrics.InputDropped()
		default:
		}
	}
}

func (s *Sender) SendKeyboard(k Key, modifiers byte, down bool) error {
	return s.Send(&protocol.Keyboard{KeyCode: TranslateKey(k), Modifiers: modifiers, Down: down})
}

func (s *Sender) SendMouseMove(dx, dy int16) error {
	return s.Send(&protocol.MouseMove{DeltaX: dx, DeltaY: dy})
}

func (s *Sender) SendMouseButton(button byte, down bool) error {
	return s.Send(&protocol.MouseButton{Button: button, Down: down})
}

func (s *Sender) SendScroll(amount int16) error {
	return s.Send(&protocol.Scroll{Amount: amount})
}

// SendController queues a full controller state. Satisfies ControllerSink.
func (s *Sender) SendController(c protocol.Controller) {
	if err := s.Send(&c); err != nil {
		s.log.Debug("controller state not sent", "err", err)
	}
}

// Dropped returns how many packets were discarded because the queue was full.
func (s *Sender) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sender) writeLoop() {
	motion := newMotionCoalescer()
	defer motion.Stop()

	var plain, sealed []byte
	write := func(msg any) {
		var err error
		plain, err = protocol.AppendInput(plain[:0], msg)
		if err != nil {
			s.log.Warn("encode input", "err", err)
			return
		}
		out := plain
		if s.seal != nil {
			sealed = s.seal.Seal(sealed[:0], plain)
			out = sealed
		}
		// Fire and forget. Refused datagrams show up here before the
		// host opens its input port.
		if _, err := s.conn.Write(out); err != nil {
			s.log.Debug("input write", "err", err)
			return
		}
		s.metrics.InputSent(kindOf(msg))
	}
	flushMotion := func() {
		if mv, ok := motion.Flush(); ok {
			write(&mv)
		}
	}

	for {
		select {
		case <-s.done:
			flushMotion()
			return
		case msg := <-s.queue:
			if mv, ok := msg.(*protocol.MouseMove); ok {
				if full, ok := motion.Add(*mv); ok {
					write(&full)
				}
				continue
			}
			flushMotion()
			write(msg)
		case <-motion.Timer():
			flushMotion()
		}
	}
}

func kindOf(msg any) string {
	switch msg.(type) {
	case *protocol.Keyboard:
		return "keyboard"
	case *protocol.MouseMove:
		return "mouse_move"
	case *protocol.MouseButton:
		return "mouse_button"
	case *protocol.Scroll:
		return "scroll"
	case *protocol.Controller:
		return "controller"
	}
	return "unknown"
}

// Close stops the writer and closes the socket. Packets still queued are
// discarded. Safe to call more than once.
func (s *Sender) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.conn.Close()
	})
	return err
}
