package video

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
)

// fakeVideoHost waits for the client's ping, then sends frames to it.
func fakeVideoHost(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func waitForPing(t *testing.T, conn *net.UDPConn) *net.UDPAddr {
	t.Helper()
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("waiting for ping: %v", err)
	}
	if !bytes.Equal(buf[:n], protocol.PingPayload) {
		t.Fatalf("expected ping, got %q", buf[:n])
	}
	return addr
}

func TestStreamReceivesFrames(t *testing.T) {
	host, port := fakeVideoHost(t)
	depack := NewDepacketizer(Config{})

	s, err := StartStream(context.Background(), "127.0.0.1", port, depack, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Abort()

	client := waitForPing(t, host)
	for i, part := range []string{"hello ", "world"} {
		raw, err := protocol.EncodeVideoPacket(7, &protocol.VideoPacket{
			Sequence:  uint16(i),
			Frame:     1,
			FragIndex: uint16(i),
			FragCount: 2,
			Payload:   []byte(part),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := host.WriteToUDP(raw, client); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u, err := depack.TakeNextDecodeUnit(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got := string(u.Bytes()); got != "hello world" {
		t.Fatalf("expected hello world, got %q", got)
	}
	depack.FreeDecodeUnit(u)
}

func TestStreamExpiresWhileIdle(t *testing.T) {
	host, port := fakeVideoHost(t)
	depack := NewDepacketizer(Config{ReorderWindow: 20 * time.Millisecond})

	s, err := StartStream(context.Background(), "127.0.0.1", port, depack, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Abort()

	client := waitForPing(t, host)
	raw, _ := protocol.EncodeVideoPacket(7, &protocol.VideoPacket{
		Frame: 1, FragIndex: 0, FragCount: 2, Payload: []byte("half"),
	})
	host.WriteToUDP(raw, client)

	deadline := time.Now().Add(2 * time.Second)
	for depack.Lost() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("incomplete unit never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamAbortIdempotent(t *testing.T) {
	_, port := fakeVideoHost(t)
	depack := NewDepacketizer(Config{})

	s, err := StartStream(context.Background(), "127.0.0.1", port, depack, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Abort()
		s.Abort()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("abort hung")
	}

	if _, err := depack.TakeNextDecodeUnit(context.Background()); err == nil {
		t.Fatal("expected take to fail after abort")
	}
}

func TestWriterRendererDrainsSource(t *testing.T) {
	d, _ := newTestDepacketizer(t, Config{})
	var out bytes.Buffer
	r := NewWriterRenderer(&out, nil)
	if err := r.Setup(1280, 720, 60, 0); err != nil {
		t.Fatal(err)
	}

	feed(t, d, 1, 0, 1, []byte("frame1"))
	feed(t, d, 2, 0, 1, []byte("frame2"))
	r.Start(d)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if units, _ := r.Stats(); units == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("renderer did not consume both units")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	r.Release()

	if out.String() != "frame1frame2" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
