// Package hostsim is a loopback GameStream host. It serves the HTTP
// negotiation API, answers the handshake and control channel, streams
// synthetic video and audio, and records the input it receives. Tests and
// the host-sim command use it in place of a real host.
package hostsim

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chronologos/gstream/internal/config"
	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/input"
	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

const (
	defaultFrameSize     = 4000
	defaultFragmentSize  = 1024
	defaultFrameInterval = 16 * time.Millisecond
	defaultAudioInterval = 5 * time.Millisecond
	audioPayloadSize     = 240
	videoSSRC            = 0x56494430
	audioSSRC            = 0x41554430
)

// ErrNoControl is returned by Terminate when no client holds the control
// channel.
var ErrNoControl = errors.New("no control connection")

// App is one entry in the simulated app list.
type App struct {
	Name    string
	ID      int
	Running bool
}

// Config shapes how the simulated host answers.
type Config struct {
	// Bind address for every listener. Defaults to 127.0.0.1.
	Addr string

	Apps           []App
	Unpaired       bool
	DeclineSession bool
	// LaunchDelay holds each launch response back, or until the client
	// gives up on the request.
	LaunchDelay time.Duration

	HandshakeStatus protocol.HandshakeStatus
	ControlStatus   uint32 // StartAck status; non-zero rejects the client
	ControlMode     transport.DialMode

	Frames        int // access units sent after the first video ping
	FrameSize     int
	FragmentSize  int
	FrameInterval time.Duration
	// DropFragment, when set, suppresses matching fragments.
	DropFragment func(frame uint32, index uint16) bool

	AudioPackets  int
	AudioInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1"
	}
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	if c.FragmentSize <= 0 {
		c.FragmentSize = defaultFragmentSize
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = defaultFrameInterval
	}
	if c.AudioInterval <= 0 {
		c.AudioInterval = defaultAudioInterval
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Host is a running simulator. Its listeners are bound in Run.
type Host struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	gameSession uint32
	riKey       *identity.RemoteInputKey
	launches    int
	resumes     int
	quits       int
	handshakes  int
	start       *protocol.StartA
	startB      bool
	keepalives  int
	idrs        []uint32
	control     transport.Conn
	controlEnds int
	inputs      []any
	videoSent   int
	audioSent   int

	// Input receives every decoded input message. Sends never block; when
	// nobody drains it, messages are only kept in Inputs.
	Input chan any

	// Ready is closed after every listener is bound, with Ports set.
	Ready chan struct{}
	Ports config.Ports
	// CertFingerprint is the SHA-256 of the QUIC control certificate. It is
	// nil for a TCP control listener.
	CertFingerprint []byte
}

// New creates a host but does not start it. Call Run to begin.
func New(cfg Config) *Host {
	cfg.applyDefaults()
	return &Host{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "hostsim"),
		Input: make(chan any, 256),
		Ready: make(chan struct{}),
	}
}

// Run binds every listener and serves until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	addr := net.JoinHostPort(h.cfg.Addr, "0")

	httpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	defer httpLn.Close()

	hsLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen handshake: %w", err)
	}
	defer hsLn.Close()

	ctrlLn, err := transport.Listen(h.cfg.ControlMode, 0)
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	defer ctrlLn.Close()

	videoConn, err := listenUDP(addr)
	if err != nil {
		return fmt.Errorf("listen video: %w", err)
	}
	defer videoConn.Close()

	audioConn, err := listenUDP(addr)
	if err != nil {
		return fmt.Errorf("listen audio: %w", err)
	}
	defer audioConn.Close()

	inputConn, err := listenUDP(addr)
	if err != nil {
		return fmt.Errorf("listen input: %w", err)
	}
	defer inputConn.Close()

	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	defer srv.Close()

	h.Ports = config.Ports{
		HTTP:      httpLn.Addr().(*net.TCPAddr).Port,
		Handshake: hsLn.Addr().(*net.TCPAddr).Port,
		Control:   ctrlLn.Port(),
		Video:     videoConn.LocalAddr().(*net.UDPAddr).Port,
		Audio:     audioConn.LocalAddr().(*net.UDPAddr).Port,
		Input:     inputConn.LocalAddr().(*net.UDPAddr).Port,
	}
	if fp, ok := ctrlLn.(transport.Fingerprinter); ok {
		h.CertFingerprint = fp.Fingerprint()
	}
	h.log.Info("host ready",
		"http", h.Ports.HTTP, "handshake", h.Ports.Handshake, "control", h.Ports.Control,
		"video", h.Ports.Video, "audio", h.Ports.Audio, "input", h.Ports.Input)
	close(h.Ready)

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { srv.Serve(httpLn) })
	run(func() { h.serveHandshake(hsLn) })
	run(func() { h.serveControl(ctx, ctrlLn) })
	run(func() { h.serveVideo(ctx, videoConn) })
	run(func() { h.serveAudio(ctx, audioConn) })
	run(func() { h.serveInput(inputConn) })

	<-ctx.Done()

	srv.Close()
	hsLn.Close()
	ctrlLn.Close()
	videoConn.Close()
	audioConn.Close()
	inputConn.Close()
	h.mu.Lock()
	if h.control != nil {
		h.control.Close()
	}
	h.mu.Unlock()
	wg.Wait()
	return nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// --- HTTP negotiation API ---

// Handler returns the negotiation API router.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/pairstate", h.handlePairState)
	r.Get("/pair", h.handlePair)
	r.Get("/applist", h.handleAppList)
	r.Get("/launch", h.handleLaunch)
	r.Get("/resume", h.handleResume)
	r.Get("/cancel", h.handleCancel)
	r.Get("/appversion", h.handleAppVersion)
	return r
}

func writeRoot(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><root status_code="200">%s</root>`, body)
}

func writeField(w http.ResponseWriter, name string, v any) {
	writeRoot(w, fmt.Sprintf("<%s>%v</%s>", name, v, name))
}

func (h *Host) handlePairState(w http.ResponseWriter, r *http.Request) {
	paired := 1
	if h.cfg.Unpaired {
		paired = 0
	}
	writeField(w, "paired", paired)
}

func (h *Host) handlePair(w http.ResponseWriter, r *http.Request) {
	id := 1
	if h.cfg.DeclineSession {
		id = 0
	}
	h.log.Debug("pair", "devicename", r.URL.Query().Get("devicename"), "session", id)
	writeField(w, "sessionid", id)
}

func (h *Host) handleAppList(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	for _, app := range h.cfg.Apps {
		running := 0
		if app.Running {
			running = 1
		}
		b.WriteString("<App><AppTitle>")
		xml.EscapeText(&b, []byte(app.Name))
		fmt.Fprintf(&b, "</AppTitle><ID>%d</ID><IsRunning>%d</IsRunning></App>", app.ID, running)
	}
	writeRoot(w, b.String())
}

// acceptKey records the remote input key carried by launch and resume.
func (h *Host) acceptKey(r *http.Request) error {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("rikeyid"), 10, 64)
	if err != nil {
		return fmt.Errorf("rikeyid: %w", err)
	}
	key, err := identity.ParseRemoteInputKey(q.Get("rikey"), uint32(id))
	if err != nil {
		return err
	}
	h.riKey = &key
	return nil
}

func (h *Host) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if h.cfg.LaunchDelay > 0 {
		select {
		case <-time.After(h.cfg.LaunchDelay):
		case <-r.Context().Done():
			return
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.acceptKey(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.launches++
	h.gameSession = uint32(1000 + h.launches)
	h.log.Debug("launch", "appid", r.URL.Query().Get("appid"), "gamesession", h.gameSession)
	writeField(w, "gamesession", h.gameSession)
}

func (h *Host) handleResume(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.acceptKey(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.resumes++
	if h.gameSession == 0 {
		h.gameSession = 1000
	}
	writeField(w, "resume", h.gameSession)
}

func (h *Host) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.quits++
	h.gameSession = 0
	h.mu.Unlock()
	writeField(w, "cancel", 1)
}

func (h *Host) handleAppVersion(w http.ResponseWriter, r *http.Request) {
	writeField(w, "appversion", "7.1.431.0")
}

// --- Handshake ---

func (h *Host) serveHandshake(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go h.handshake(conn)
	}
}

func (h *Host) handshake(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req, err := protocol.ReadHandshakeRequest(conn)
	if err != nil {
		h.log.Debug("bad handshake", "err", err)
		return
	}
	status := h.cfg.HandshakeStatus
	h.mu.Lock()
	h.handshakes++
	if status == protocol.HandshakeOK && req.GameSession != h.gameSession {
		status = protocol.HandshakeUnknown
	}
	h.mu.Unlock()
	h.log.Debug("handshake", "gamesession", req.GameSession, "status", status)
	protocol.WriteHandshakeResponse(conn, &protocol.HandshakeResponse{Status: status})
}

// --- Control channel ---

func (h *Host) serveControl(ctx context.Context, ln transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		h.mu.Lock()
		if h.control != nil {
			h.control.Close()
		}
		h.control = conn
		h.mu.Unlock()
		go h.controlLoop(conn)
	}
}

func (h *Host) controlLoop(conn transport.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		if h.control == conn {
			h.control = nil
		}
		h.controlEnds++
		h.mu.Unlock()
	}()
	for {
		msg, err := conn.ReadControl()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.StartA:
			h.mu.Lock()
			h.start = m
			h.mu.Unlock()
			conn.WriteControl(&protocol.StartAck{Status: h.cfg.ControlStatus})
		case *protocol.StartB:
			h.mu.Lock()
			h.startB = true
			h.mu.Unlock()
		case *protocol.LossStats:
			h.mu.Lock()
			h.keepalives++
			h.mu.Unlock()
			conn.WriteControl(&protocol.KeepaliveAck{Sequence: m.Sequence})
		case *protocol.RequestIDR:
			h.mu.Lock()
			h.idrs = append(h.idrs, m.LastGoodFrame)
			h.mu.Unlock()
		default:
			h.log.Debug("unexpected control message", "type", fmt.Sprintf("%T", m))
		}
	}
}

// Terminate ends the stream from the host side.
func (h *Host) Terminate(reason uint32) error {
	h.mu.Lock()
	conn := h.control
	h.mu.Unlock()
	if conn == nil {
		return ErrNoControl
	}
	return conn.WriteControl(&protocol.Termination{Reason: reason})
}

// DropControl closes the control connection without a Termination.
func (h *Host) DropControl() {
	h.mu.Lock()
	conn := h.control
	h.control = nil
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// --- Media ---

// awaitPing blocks until a ping arrives and returns the sender's address.
func awaitPing(conn *net.UDPConn) (*net.UDPAddr, error) {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(buf[:n], protocol.PingPayload) {
			return addr, nil
		}
	}
}

// drainPings keeps reading so repeated pings do not fill the socket buffer.
func drainPings(conn *net.UDPConn) {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		if _, _, err := conn.ReadFromUDP(buf); err != nil {
			return
		}
	}
}

// FramePayload returns the synthetic contents of access unit frame.
func FramePayload(frame uint32, size int) []byte {
	b := make([]byte, size)
	binary.BigEndian.PutUint32(b, frame)
	for i := 4; i < size; i++ {
		b[i] = byte(int(frame) + i)
	}
	return b
}

func (h *Host) serveVideo(ctx context.Context, conn *net.UDPConn) {
	peer, err := awaitPing(conn)
	if err != nil {
		return
	}
	go drainPings(conn)
	h.log.Debug("video peer", "addr", peer)

	ticker := time.NewTicker(h.cfg.FrameInterval)
	defer ticker.Stop()

	var seq uint16
	for frame := uint32(1); int(frame) <= h.cfg.Frames; frame++ {
		data := FramePayload(frame, h.cfg.FrameSize)
		count := (len(data) + h.cfg.FragmentSize - 1) / h.cfg.FragmentSize
		for i := 0; i < count; i++ {
			if h.cfg.DropFragment != nil && h.cfg.DropFragment(frame, uint16(i)) {
				seq++
				continue
			}
			end := min((i+1)*h.cfg.FragmentSize, len(data))
			flags := protocol.VideoFlagPicData
			if i == 0 {
				flags |= protocol.VideoFlagSOF
			}
			if i == count-1 {
				flags |= protocol.VideoFlagEOF
			}
			pkt, err := protocol.EncodeVideoPacket(videoSSRC, &protocol.VideoPacket{
				Sequence:  seq,
				Timestamp: frame * 1500,
				Frame:     frame,
				FragIndex: uint16(i),
				FragCount: uint16(count),
				Flags:     flags,
				Payload:   data[i*h.cfg.FragmentSize : end],
			})
			seq++
			if err != nil {
				h.log.Warn("encode video", "err", err)
				return
			}
			if _, err := conn.WriteToUDP(pkt, peer); err != nil {
				return
			}
		}
		h.mu.Lock()
		h.videoSent++
		h.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Host) serveAudio(ctx context.Context, conn *net.UDPConn) {
	peer, err := awaitPing(conn)
	if err != nil {
		return
	}
	go drainPings(conn)

	ticker := time.NewTicker(h.cfg.AudioInterval)
	defer ticker.Stop()

	payload := make([]byte, audioPayloadSize)
	for i := 0; i < h.cfg.AudioPackets; i++ {
		pkt, err := protocol.EncodeAudioPacket(audioSSRC, &protocol.AudioPacket{
			Sequence:  uint16(i),
			Timestamp: uint32(i * 240),
			Payload:   payload,
		})
		if err != nil {
			h.log.Warn("encode audio", "err", err)
			return
		}
		if _, err := conn.WriteToUDP(pkt, peer); err != nil {
			return
		}
		h.mu.Lock()
		h.audioSent++
		h.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// --- Input ---

func (h *Host) serveInput(conn *net.UDPConn) {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := h.decodeInput(buf[:n])
		if err != nil {
			h.log.Debug("bad input packet", "err", err)
			continue
		}
		h.mu.Lock()
		h.inputs = append(h.inputs, msg)
		h.mu.Unlock()
		select {
		case h.Input <- msg:
		default:
		}
	}
}

// decodeInput accepts plain and sealed packets. A sealed packet's length
// prefix covers the rest of the datagram; a plain one's excludes the magic.
func (h *Host) decodeInput(b []byte) (any, error) {
	if len(b) >= 4 && int(binary.BigEndian.Uint32(b))+4 == len(b) {
		h.mu.Lock()
		key := h.riKey
		h.mu.Unlock()
		if key == nil {
			return nil, errors.New("sealed input without a launch key")
		}
		plain, err := input.OpenPacket(*key, b)
		if err != nil {
			return nil, err
		}
		b = plain
	}
	return protocol.DecodeInput(b)
}

// --- Inspection ---

// Stats is a snapshot of what the host has seen.
type Stats struct {
	Launches    int
	Resumes     int
	Quits       int
	Handshakes  int
	GameSession uint32
	Start       *protocol.StartA
	StartB      bool
	Keepalives  int
	IDRRequests []uint32
	// ControlOpen is set while a client holds the control connection.
	// ControlClosed counts control connections that have ended.
	ControlOpen   bool
	ControlClosed int
	VideoFrames   int
	AudioSent     int
	Inputs        int
}

func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Launches:    h.launches,
		Resumes:     h.resumes,
		Quits:       h.quits,
		Handshakes:  h.handshakes,
		GameSession: h.gameSession,
		Start:       h.start,
		StartB:      h.startB,
		Keepalives:  h.keepalives,
		IDRRequests: append([]uint32(nil), h.idrs...),

		ControlOpen:   h.control != nil,
		ControlClosed: h.controlEnds,
		VideoFrames:   h.videoSent,
		AudioSent:     h.audioSent,
		Inputs:        len(h.inputs),
	}
}

// Inputs returns every decoded input message in arrival order.
func (h *Host) Inputs() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.inputs...)
}

// RemoteInputKey returns the key from the latest launch or resume.
func (h *Host) RemoteInputKey() *identity.RemoteInputKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.riKey
}
