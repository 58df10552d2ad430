package handshake

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
)

// serveOnce accepts one connection and runs fn on it.
func serveOnce(t *testing.T, fn func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestHandshakeOK(t *testing.T) {
	got := make(chan uint32, 1)
	port := serveOnce(t, func(c net.Conn) {
		req, err := protocol.ReadHandshakeRequest(c)
		if err != nil {
			return
		}
		got <- req.GameSession
		protocol.WriteHandshakeResponse(c, &protocol.HandshakeResponse{Status: protocol.HandshakeOK})
	})

	if err := Do(context.Background(), "127.0.0.1", port, 31337, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case gs := <-got:
		if gs != 31337 {
			t.Fatalf("game session: got %d", gs)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the request")
	}
}

func TestHandshakeRejected(t *testing.T) {
	port := serveOnce(t, func(c net.Conn) {
		protocol.ReadHandshakeRequest(c)
		protocol.WriteHandshakeResponse(c, &protocol.HandshakeResponse{Status: protocol.HandshakeNotReady})
	})

	err := Do(context.Background(), "127.0.0.1", port, 1, nil)
	if !errors.Is(err, ErrRejected) || !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected rejected protocol error, got %v", err)
	}
}

func TestHandshakeGarbage(t *testing.T) {
	port := serveOnce(t, func(c net.Conn) {
		protocol.ReadHandshakeRequest(c)
		c.Write([]byte("HTTP/"))
	})

	err := Do(context.Background(), "127.0.0.1", port, 1, nil)
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestHandshakeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	err = Do(context.Background(), "127.0.0.1", port, 1, nil)
	if !errors.Is(err, protocol.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestHandshakeCancel(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	port := serveOnce(t, func(c net.Conn) {
		<-block // never answer
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Do(ctx, "127.0.0.1", port, 1, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled handshake should fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not unblock the handshake")
	}
}
