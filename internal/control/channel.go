// Package control implements the persistent control channel: session start
// parameters, periodic keepalives carrying loss statistics, keyframe requests,
// and host-initiated termination.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronologos/gstream/internal/metrics"
	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

var (
	ErrAborted        = errors.New("control channel aborted")
	ErrTerminated     = errors.New("host terminated the stream")
	ErrKeepaliveLost  = errors.New("no keepalive acknowledgment from host")
	ErrNotInitialized = errors.New("control channel not initialized")
)

const (
	DefaultKeepaliveInterval = 100 * time.Millisecond
	DefaultRecvTimeout       = 10 * time.Second
)

// LossSource supplies the counters carried in each keepalive.
type LossSource interface {
	LossStats() (lostFrames, lastGoodFrame uint32)
}

type Config struct {
	Host string
	Port int
	Mode transport.DialMode
	// CertPin is the SHA-256 the host's QUIC certificate must have. Empty
	// accepts any host.
	CertPin []byte

	GameSession uint32
	Width       int
	Height      int
	FPS         int

	KeepaliveInterval time.Duration
	RecvTimeout       time.Duration

	// OnFatal is called at most once, from a channel goroutine, when the
	// channel dies after Start. A loop stopped by Abort does not report.
	OnFatal func(error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Channel struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	conn    transport.Conn
	loss    LossSource
	aborted bool

	done      chan struct{} // closed by Abort
	abortOnce sync.Once
	wg        sync.WaitGroup

	started   atomic.Bool
	keepalive atomic.Bool
	lastRecv  atomic.Int64 // unix nanos
	seq       atomic.Uint32
}

func New(cfg Config) *Channel {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = protocol.PortControl
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		cfg:  cfg,
		log:  logger.With("component", "control"),
		done: make(chan struct{}),
	}
}

// Initialize dials the host and exchanges StartA/StartAck. A malformed or
// negative answer is a protocol error; connect failures are network errors.
func (c *Channel) Initialize(ctx context.Context) error {
	if c.isAborted() {
		return ErrAborted
	}

	conn, err := transport.Dial(ctx, c.cfg.Mode, c.cfg.Host, c.cfg.Port, transport.WithCertPin(c.cfg.CertPin))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		conn.Close()
		return ErrAborted
	}
	c.conn = conn
	c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.RecvTimeout)
	}
	conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	start := &protocol.StartA{
		GameSession: c.cfg.GameSession,
		Width:       uint16(c.cfg.Width),
		Height:      uint16(c.cfg.Height),
		FPS:         uint16(c.cfg.FPS),
	}
	if err := conn.WriteControl(start); err != nil {
		return c.classify("write start", err)
	}

	msg, err := conn.ReadControl()
	if err != nil {
		return c.classify("read start ack", err)
	}
	ack, ok := msg.(*protocol.StartAck)
	if !ok {
		return fmt.Errorf("%w: expected start ack, got %T", protocol.ErrProtocol, msg)
	}
	if ack.Status != 0 {
		return fmt.Errorf("%w: host rejected control start: status %d", protocol.ErrProtocol, ack.Status)
	}

	conn.SetReadDeadline(time.Time{})
	c.touch()
	c.log.Debug("control initialized", "remote", conn.RemoteAddr(), "mode", c.cfg.Mode)
	return nil
}

func (c *Channel) classify(op string, err error) error {
	switch {
	case c.isAborted():
		return ErrAborted
	case protocol.IsProtocolError(err):
		return fmt.Errorf("%w: %s: %w", protocol.ErrProtocol, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", protocol.ErrNetwork, op, err)
	}
}

// Start launches the receive loop. Host messages are handled in the
// background until Abort or a fatal error.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.aborted:
		return ErrAborted
	case c.conn == nil:
		return ErrNotInitialized
	case c.started.Swap(true):
		return nil
	}
	conn := c.conn

	msgCh := make(chan readResult, 4)
	loopDone := make(chan struct{})

	// Added under mu so Abort never waits on a zero counter while Start races it.
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		readLoop(conn, msgCh, loopDone)
	}()

	go func() {
		var fatal error
		// LIFO: wg.Done runs before OnFatal so the callback may call Abort.
		defer func() {
			if fatal != nil && c.cfg.OnFatal != nil {
				c.cfg.OnFatal(fatal)
			}
		}()
		defer c.wg.Done()
		defer close(loopDone)

		fatal = c.loop(conn, msgCh)
		if fatal != nil {
			c.log.Warn("control channel lost", "err", fatal)
			conn.Close()
		}
	}()
	return nil
}

// StartPeriodicKeepalive tells the host the media streams are up and begins
// sending LossStats every KeepaliveInterval. From here on a missing
// acknowledgment for RecvTimeout is fatal.
func (c *Channel) StartPeriodicKeepalive() error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotInitialized
	}
	if err := conn.WriteControl(&protocol.StartB{}); err != nil {
		return c.classify("write start b", err)
	}
	c.touch()
	c.keepalive.Store(true)
	return nil
}

// SetLossSource attaches the video loss counters reported in keepalives.
func (c *Channel) SetLossSource(src LossSource) {
	c.mu.Lock()
	c.loss = src
	c.mu.Unlock()
}

// RequestIDR asks the host for a fresh keyframe.
func (c *Channel) RequestIDR(lastGoodFrame uint32) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotInitialized
	}
	if err := conn.WriteControl(&protocol.RequestIDR{LastGoodFrame: lastGoodFrame}); err != nil {
		return c.classify("write idr request", err)
	}
	c.cfg.Metrics.IDRRequested()
	c.log.Debug("requested keyframe", "last_good_frame", lastGoodFrame)
	return nil
}

// Abort closes the channel and waits for its goroutines. Safe to call more
// than once, concurrently, and before Initialize.
func (c *Channel) Abort() {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.aborted = true
		conn := c.conn
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
	c.wg.Wait()
}

func (c *Channel) currentConn() transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Channel) touch() {
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *Channel) sinceLastRecv() time.Duration {
	return time.Since(time.Unix(0, c.lastRecv.Load()))
}

// loop handles host messages and drives keepalives. Returns nil on Abort,
// otherwise the fatal error.
func (c *Channel) loop(conn transport.Conn, msgCh <-chan readResult) error {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-msgCh:
			if res.err != nil {
				if c.isAborted() {
					return nil
				}
				return c.classify("read", res.err)
			}
			c.touch()
			switch m := res.msg.(type) {
			case *protocol.Termination:
				return fmt.Errorf("%w: reason 0x%08x", ErrTerminated, m.Reason)
			case *protocol.KeepaliveAck:
				// noted
			default:
				c.log.Debug("ignoring control message", "type", fmt.Sprintf("%T", m))
			}

		case <-ticker.C:
			if !c.keepalive.Load() {
				continue
			}
			if err := c.sendKeepalive(conn); err != nil {
				if c.isAborted() {
					return nil
				}
				return err
			}
			if since := c.sinceLastRecv(); since > c.cfg.RecvTimeout {
				return fmt.Errorf("%w: %w after %v", protocol.ErrNetwork, ErrKeepaliveLost, since.Round(time.Millisecond))
			}

		case <-c.done:
			return nil
		}
	}
}

func (c *Channel) sendKeepalive(conn transport.Conn) error {
	var lost, lastGood uint32
	c.mu.Lock()
	src := c.loss
	c.mu.Unlock()
	if src != nil {
		lost, lastGood = src.LossStats()
	}
	msg := &protocol.LossStats{
		LostFrames:    lost,
		LastGoodFrame: lastGood,
		Sequence:      c.seq.Add(1),
	}
	if err := conn.WriteControl(msg); err != nil {
		return c.classify("write keepalive", err)
	}
	c.cfg.Metrics.Keepalive()
	return nil
}

// readResult carries a message or error from the reader goroutine.
type readResult struct {
	msg any
	err error
}

// readLoop reads frames until an error, handing each to ch. Exits early if
// the consumer is gone.
func readLoop(conn transport.Conn, ch chan<- readResult, consumerDone <-chan struct{}) {
	for {
		msg, err := conn.ReadControl()
		select {
		case ch <- readResult{msg: msg, err: err}:
		case <-consumerDone:
			return
		}
		if err != nil {
			return
		}
	}
}
