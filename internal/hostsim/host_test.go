package hostsim

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/chronologos/gstream/internal/handshake"
	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/input"
	"github.com/chronologos/gstream/internal/negotiate"
	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

// startTestHost runs a host in the background. Cleanup cancels it and waits
// for Run to return.
func startTestHost(t *testing.T, cfg Config) *Host {
	t.Helper()

	h := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Run(ctx)
	}()

	select {
	case <-h.Ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("host exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timeout waiting for host to start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	})
	return h
}

func testClient(h *Host) *negotiate.Client {
	return negotiate.NewClient(negotiate.Options{
		Host:       "127.0.0.1",
		Port:       h.Ports.HTTP,
		UniqueID:   "0123456789ABCDEF",
		MAC:        "00:00:00:00:00:00",
		DeviceName: "test",
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNegotiationAPI(t *testing.T) {
	h := startTestHost(t, Config{Apps: []App{
		{Name: "Steam", ID: 1001},
		{Name: "R&D <tools>", ID: 1002, Running: true},
	}})
	c := testClient(h)
	ctx := testContext(t)

	paired, err := c.PairState(ctx)
	if err != nil || !paired {
		t.Fatalf("PairState = %v, %v; want true", paired, err)
	}
	sid, err := c.SessionID(ctx)
	if err != nil || sid == 0 {
		t.Fatalf("SessionID = %d, %v", sid, err)
	}
	apps, err := c.AppList(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 2 || apps[1].Name != "R&D <tools>" || !apps[1].Running {
		t.Fatalf("apps = %+v", apps)
	}

	key, err := identity.GenerateRemoteInputKey()
	if err != nil {
		t.Fatal(err)
	}
	gs, err := c.LaunchApp(ctx, sid, 1001, negotiate.LaunchParams{Width: 1280, Height: 720, FPS: 60, RIKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if gs == 0 || gs != h.Stats().GameSession {
		t.Fatalf("game session = %d, host has %d", gs, h.Stats().GameSession)
	}
	if got := h.RemoteInputKey(); got == nil || *got != key {
		t.Fatalf("host key = %v, want %v", got, key)
	}

	if v, err := c.AppVersion(ctx); err != nil || v == "" {
		t.Fatalf("AppVersion = %q, %v", v, err)
	}
	if err := c.QuitApp(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if st := h.Stats(); st.Quits != 1 || st.GameSession != 0 {
		t.Fatalf("stats after quit = %+v", st)
	}
}

func TestUnpairedAndDeclined(t *testing.T) {
	h := startTestHost(t, Config{Unpaired: true, DeclineSession: true})
	c := testClient(h)
	ctx := testContext(t)

	if paired, err := c.PairState(ctx); err != nil || paired {
		t.Fatalf("PairState = %v, %v; want false", paired, err)
	}
	if sid, err := c.SessionID(ctx); err != nil || sid != 0 {
		t.Fatalf("SessionID = %d, %v; want 0", sid, err)
	}
}

func TestHandshake(t *testing.T) {
	h := startTestHost(t, Config{})
	c := testClient(h)
	ctx := testContext(t)

	key, _ := identity.GenerateRemoteInputKey()
	gs, err := c.LaunchApp(ctx, 1, 1, negotiate.LaunchParams{RIKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if err := handshake.Do(ctx, "127.0.0.1", h.Ports.Handshake, gs, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	err = handshake.Do(ctx, "127.0.0.1", h.Ports.Handshake, gs+1, nil)
	if !errors.Is(err, handshake.ErrRejected) {
		t.Fatalf("wrong session: err = %v, want ErrRejected", err)
	}
}

func TestControlExchange(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := testContext(t)

	conn, err := transport.Dial(ctx, transport.DialTCP, "127.0.0.1", h.Ports.Control)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteControl(&protocol.StartA{GameSession: 7, Width: 1920, Height: 1080, FPS: 60}); err != nil {
		t.Fatal(err)
	}
	msg, err := conn.ReadControl()
	if err != nil {
		t.Fatal(err)
	}
	if ack, ok := msg.(*protocol.StartAck); !ok || ack.Status != 0 {
		t.Fatalf("got %#v, want accepted StartAck", msg)
	}

	conn.WriteControl(&protocol.StartB{})
	conn.WriteControl(&protocol.LossStats{Sequence: 42})
	msg, err = conn.ReadControl()
	if err != nil {
		t.Fatal(err)
	}
	if ack, ok := msg.(*protocol.KeepaliveAck); !ok || ack.Sequence != 42 {
		t.Fatalf("got %#v, want KeepaliveAck 42", msg)
	}

	conn.WriteControl(&protocol.RequestIDR{LastGoodFrame: 9})
	if err := h.Terminate(0x80030023); err != nil {
		t.Fatal(err)
	}
	msg, err = conn.ReadControl()
	if err != nil {
		t.Fatal(err)
	}
	if term, ok := msg.(*protocol.Termination); !ok || term.Reason != 0x80030023 {
		t.Fatalf("got %#v, want Termination", msg)
	}

	st := h.Stats()
	if st.Start == nil || st.Start.GameSession != 7 || !st.StartB || st.Keepalives != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if len(st.IDRRequests) != 1 || st.IDRRequests[0] != 9 {
		t.Fatalf("idr requests = %v", st.IDRRequests)
	}
}

func TestTerminateWithoutControl(t *testing.T) {
	h := startTestHost(t, Config{})
	if err := h.Terminate(1); !errors.Is(err, ErrNoControl) {
		t.Fatalf("err = %v, want ErrNoControl", err)
	}
}

func dialUDP(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestVideoFramesAfterPing(t *testing.T) {
	h := startTestHost(t, Config{Frames: 2, FrameSize: 2500, FragmentSize: 1000, FrameInterval: time.Millisecond})
	conn := dialUDP(t, h.Ports.Video)
	conn.Write(protocol.PingPayload)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	frames := map[uint32][]byte{}
	buf := make([]byte, protocol.MaxDatagramSize)
	for i := 0; i < 6; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		pkt, err := protocol.DecodeVideoPacket(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if pkt.FragCount != 3 || int(pkt.FragIndex) != i%3 {
			t.Fatalf("packet %d: fragment %d/%d", i, pkt.FragIndex, pkt.FragCount)
		}
		if pkt.FragIndex == 0 && pkt.Flags&protocol.VideoFlagSOF == 0 {
			t.Fatalf("first fragment missing SOF: flags %#x", pkt.Flags)
		}
		frames[pkt.Frame] = append(frames[pkt.Frame], pkt.Payload...)
	}
	for _, f := range []uint32{1, 2} {
		if !bytes.Equal(frames[f], FramePayload(f, 2500)) {
			t.Fatalf("frame %d reassembled wrong", f)
		}
	}
}

func TestAudioAfterPing(t *testing.T) {
	h := startTestHost(t, Config{AudioPackets: 3, AudioInterval: time.Millisecond})
	conn := dialUDP(t, h.Ports.Audio)
	conn.Write(protocol.PingPayload)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, protocol.MaxDatagramSize)
	for i := 0; i < 3; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		pkt, err := protocol.DecodeAudioPacket(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if int(pkt.Sequence) != i || len(pkt.Payload) != audioPayloadSize {
			t.Fatalf("packet %d: seq %d len %d", i, pkt.Sequence, len(pkt.Payload))
		}
	}
}

func TestInputPlainAndSealed(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := testContext(t)

	key, _ := identity.GenerateRemoteInputKey()
	if _, err := testClient(h).LaunchApp(ctx, 1, 1, negotiate.LaunchParams{RIKey: key}); err != nil {
		t.Fatal(err)
	}

	plain, err := input.NewSender(ctx, input.SenderConfig{Host: "127.0.0.1", Port: h.Ports.Input})
	if err != nil {
		t.Fatal(err)
	}
	defer plain.Close()
	sealed, err := input.NewSender(ctx, input.SenderConfig{Host: "127.0.0.1", Port: h.Ports.Input, Key: &key})
	if err != nil {
		t.Fatal(err)
	}
	defer sealed.Close()

	plain.SendMouseButton(protocol.MouseButtonLeft, true)
	waitInput(t, h)
	sealed.SendScroll(120)
	msg := waitInput(t, h)
	if s, ok := msg.(*protocol.Scroll); !ok || s.Amount != 120 {
		t.Fatalf("sealed message = %#v, want scroll 120", msg)
	}
}

func waitInput(t *testing.T, h *Host) any {
	t.Helper()
	select {
	case msg := <-h.Input:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for input")
		return nil
	}
}
