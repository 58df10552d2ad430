package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

// fakeHost accepts one control connection and hands it to the test after
// answering StartA with status.
type fakeHost struct {
	ln    transport.Listener
	conns chan transport.Conn
	start chan *protocol.StartA

	mu       sync.Mutex
	accepted transport.Conn
}

func newFakeHost(t *testing.T, status uint32) *fakeHost {
	t.Helper()
	ln, err := transport.ListenTCP(0)
	if err != nil {
		t.Fatal(err)
	}
	h := &fakeHost{ln: ln, conns: make(chan transport.Conn, 1), start: make(chan *protocol.StartA, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
		h.mu.Lock()
		if h.accepted != nil {
			h.accepted.Close()
		}
		h.mu.Unlock()
	})
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.accepted = conn
		h.mu.Unlock()
		msg, err := conn.ReadControl()
		if err != nil {
			return
		}
		if sa, ok := msg.(*protocol.StartA); ok {
			h.start <- sa
		}
		conn.WriteControl(&protocol.StartAck{Status: status})
		h.conns <- conn
	}()
	return h
}

func (h *fakeHost) conn(t *testing.T) transport.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("host never accepted")
		return nil
	}
}

// nextOf reads frames until one of type T arrives.
func nextOf[T any](t *testing.T, conn transport.Conn) T {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msg, err := conn.ReadControl()
		if err != nil {
			t.Fatalf("host read: %v", err)
		}
		if m, ok := msg.(T); ok {
			return m
		}
	}
}

type staticLoss struct{ lost, last uint32 }

func (s staticLoss) LossStats() (uint32, uint32) { return s.lost, s.last }

func newChannel(h *fakeHost, onFatal func(error)) *Channel {
	return New(Config{
		Host:              "127.0.0.1",
		Port:              h.ln.Port(),
		Mode:              transport.DialTCP,
		GameSession:       99,
		Width:             1280,
		Height:            720,
		FPS:               60,
		KeepaliveInterval: 10 * time.Millisecond,
		RecvTimeout:       time.Second,
		OnFatal:           onFatal,
	})
}

func TestInitialize(t *testing.T) {
	h := newFakeHost(t, 0)
	c := newChannel(h, nil)
	defer c.Abort()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	sa := <-h.start
	if sa.GameSession != 99 || sa.Width != 1280 || sa.Height != 720 || sa.FPS != 60 {
		t.Fatalf("unexpected StartA %+v", *sa)
	}
}

func TestInitializeRejected(t *testing.T) {
	h := newFakeHost(t, 5)
	c := newChannel(h, nil)
	defer c.Abort()

	err := c.Initialize(context.Background())
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestInitializeConnectFailure(t *testing.T) {
	ln, err := transport.ListenTCP(0)
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Port()
	ln.Close()

	c := New(Config{Host: "127.0.0.1", Port: port})
	defer c.Abort()
	if err := c.Initialize(context.Background()); !errors.Is(err, protocol.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestKeepaliveCarriesLossStats(t *testing.T) {
	h := newFakeHost(t, 0)
	c := newChannel(h, nil)
	defer c.Abort()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	host := h.conn(t)
	c.SetLossSource(staticLoss{lost: 3, last: 41})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.StartPeriodicKeepalive(); err != nil {
		t.Fatal(err)
	}

	nextOf[*protocol.StartB](t, host)
	ls := nextOf[*protocol.LossStats](t, host)
	if ls.LostFrames != 3 || ls.LastGoodFrame != 41 {
		t.Fatalf("unexpected loss stats %+v", *ls)
	}
	next := nextOf[*protocol.LossStats](t, host)
	if next.Sequence <= ls.Sequence {
		t.Fatalf("keepalive sequence did not advance: %d then %d", ls.Sequence, next.Sequence)
	}
}

func TestRequestIDR(t *testing.T) {
	h := newFakeHost(t, 0)
	c := newChannel(h, nil)
	defer c.Abort()

	if err := c.RequestIDR(1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	host := h.conn(t)
	if err := c.RequestIDR(77); err != nil {
		t.Fatal(err)
	}
	if m := nextOf[*protocol.RequestIDR](t, host); m.LastGoodFrame != 77 {
		t.Fatalf("last good frame: got %d", m.LastGoodFrame)
	}
}

func TestTerminationIsFatal(t *testing.T) {
	h := newFakeHost(t, 0)
	fatal := make(chan error, 2)
	c := newChannel(h, func(err error) { fatal <- err })
	defer c.Abort()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	host := h.conn(t)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	host.WriteControl(&protocol.Termination{Reason: 0x80030023})

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrTerminated) {
			t.Fatalf("expected ErrTerminated, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("termination was not reported")
	}

	select {
	case err := <-fatal:
		t.Fatalf("fatal reported twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionLossIsFatal(t *testing.T) {
	h := newFakeHost(t, 0)
	fatal := make(chan error, 1)
	c := newChannel(h, func(err error) { fatal <- err })
	defer c.Abort()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	host := h.conn(t)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	host.Close()

	select {
	case err := <-fatal:
		if !errors.Is(err, protocol.ErrNetwork) {
			t.Fatalf("expected ErrNetwork, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss was not reported")
	}
}

func TestMissingAckIsFatal(t *testing.T) {
	h := newFakeHost(t, 0)
	fatal := make(chan error, 1)
	c := New(Config{
		Host:              "127.0.0.1",
		Port:              h.ln.Port(),
		KeepaliveInterval: 10 * time.Millisecond,
		RecvTimeout:       100 * time.Millisecond,
		OnFatal:           func(err error) { fatal <- err },
	})
	defer c.Abort()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.conn(t) // host stays silent
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.StartPeriodicKeepalive(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrKeepaliveLost) {
			t.Fatalf("expected ErrKeepaliveLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missing acknowledgments were not detected")
	}
}

func TestAbortBeforeInitialize(t *testing.T) {
	c := New(Config{Host: "127.0.0.1"})
	c.Abort()
	c.Abort()
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestAbortUnblocksInitialize(t *testing.T) {
	// A host that accepts but never answers StartA.
	ln, err := transport.ListenTCP(0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept(context.Background())
		if err == nil {
			defer conn.Close()
			conn.ReadControl()
			time.Sleep(5 * time.Second)
		}
	}()

	c := New(Config{Host: "127.0.0.1", Port: ln.Port(), RecvTimeout: 30 * time.Second})
	done := make(chan error, 1)
	go func() { done <- c.Initialize(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	c.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Abort did not unblock Initialize")
	}
}

func TestAbortStopsLoopWithoutFatal(t *testing.T) {
	h := newFakeHost(t, 0)
	fatal := make(chan error, 1)
	c := newChannel(h, func(err error) { fatal <- err })

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.conn(t)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.StartPeriodicKeepalive(); err != nil {
		t.Fatal(err)
	}
	c.Abort()

	select {
	case err := <-fatal:
		t.Fatalf("abort should not report fatal: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
