// Package connection drives a streaming session from app launch to a running
// stream. It owns every channel it opens and reports progress to a Listener.
package connection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronologos/gstream/internal/audio"
	"github.com/chronologos/gstream/internal/config"
	"github.com/chronologos/gstream/internal/control"
	"github.com/chronologos/gstream/internal/handshake"
	"github.com/chronologos/gstream/internal/identity"
	"github.com/chronologos/gstream/internal/input"
	"github.com/chronologos/gstream/internal/metrics"
	"github.com/chronologos/gstream/internal/negotiate"
	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
	"github.com/chronologos/gstream/internal/video"
)

const tracerName = "github.com/chronologos/gstream/internal/connection"

var (
	ErrDeclined    = errors.New("host declined the session")
	ErrAppNotFound = errors.New("app not found on host")
	ErrStopped     = errors.New("connection stopped")
	ErrNotStarted  = errors.New("input channel not started")
)

type Config struct {
	Host       string
	Ports      config.Ports
	UniqueID   string
	MAC        string
	DeviceName string

	// AppID selects the app; zero means look it up by AppName.
	AppID   int
	AppName string

	Width  int
	Height int
	FPS    int

	ControlMode       transport.DialMode
	KeepaliveInterval time.Duration
	RecvTimeout       time.Duration
	HostCertPin       []byte

	ReorderWindow    time.Duration
	QueueSize        int
	RequestIDROnLoss bool

	EncryptInput bool

	// StageTimeout bounds each blocking stage. Zero means no bound beyond
	// the transports' own.
	StageTimeout time.Duration

	HTTPClient    *http.Client
	VideoRenderer video.Renderer
	AudioRenderer audio.Renderer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// ConfigFrom copies the persisted settings that affect a connection.
func ConfigFrom(c config.Config) (Config, error) {
	mode, err := transport.ParseDialMode(c.Control.Transport)
	if err != nil {
		return Config{}, err
	}
	var pin []byte
	if c.Control.HostCertSHA256 != "" {
		if pin, err = hex.DecodeString(c.Control.HostCertSHA256); err != nil {
			return Config{}, fmt.Errorf("control.host_cert_sha256: %w", err)
		}
	}
	return Config{
		Host:              c.Host,
		Ports:             c.Ports,
		UniqueID:          c.UniqueID,
		MAC:               c.MAC,
		DeviceName:        c.DeviceName,
		AppID:             c.App.ID,
		AppName:           c.App.Name,
		Width:             c.Video.Width,
		Height:            c.Video.Height,
		FPS:               c.Video.FPS,
		ControlMode:       mode,
		KeepaliveInterval: c.Control.KeepaliveInterval,
		RecvTimeout:       c.Control.RecvTimeout,
		HostCertPin:       pin,
		ReorderWindow:     c.Video.ReorderWindow,
		QueueSize:         c.Video.QueueSize,
		RequestIDROnLoss:  c.Video.RequestIDROnLoss,
		EncryptInput:      c.Input.Encrypt,
		StageTimeout:      c.ConnectTimeout,
	}, nil
}

// Session is the remote app run this connection streams.
type Session struct {
	Host        string
	SessionID   int64
	AppID       int
	AppName     string
	GameSession uint32
	RIKey       identity.RemoteInputKey
}

// streamContext is shared by every channel of one connection. It carries the
// listener and guarantees a single terminal notification.
type streamContext struct {
	listener Listener
	log      *slog.Logger
	terminal sync.Once
}

func (sc *streamContext) stageFailed(s Stage, err error) {
	sc.terminal.Do(func() {
		sc.log.Warn("stage failed", "stage", s.String(), "err", err)
		sc.listener.StageFailed(s, err)
	})
}

func (sc *streamContext) terminated(err error) {
	sc.terminal.Do(func() {
		sc.log.Warn("connection terminated", "err", err)
		sc.listener.ConnectionTerminated(err)
	})
}

// silence consumes the terminal notification without reporting.
func (sc *streamContext) silence() {
	sc.terminal.Do(func() {})
}

// Connection runs the stage sequence on its own goroutine. All methods are
// safe for concurrent use.
type Connection struct {
	cfg     Config
	sc      *streamContext
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	launched  bool
	closed    bool
	running   bool
	notifying bool // stage goroutine is inside a listener callback
	current   Stage
	session   Session
	control   *control.Channel
	depack    *video.Depacketizer
	video     *video.Stream
	rendering bool
	audio     *audio.Stream
	input     *input.Sender
}

func New(cfg Config, l Listener) *Connection {
	if l == nil {
		l = NopListener{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.AudioRenderer == nil {
		cfg.AudioRenderer = audio.DiscardRenderer{}
	}
	logger = logger.With("component", "connection", "host", cfg.Host)
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:     cfg,
		sc:      &streamContext{listener: l, log: logger},
		log:     logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start runs the stages in the background. Only the first call has effect.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.launched {
		c.mu.Unlock()
		return
	}
	c.launched = true
	c.mu.Unlock()
	go c.run()
}

// Done is closed when the stage sequence has finished, successfully or not.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Stop tears everything down and waits for an in-flight stage to give up.
// It is idempotent and may be called at any time, from any goroutine,
// including from Listener callbacks. Once Stop returns the listener receives
// no further notifications.
func (c *Connection) Stop() {
	c.sc.silence()
	c.teardown()
	c.mu.Lock()
	if !c.launched {
		c.launched = true
		close(c.done)
	}
	// Inside a callback the stage goroutine is the caller, or is about to
	// return without opening anything.
	wait := !c.notifying
	c.mu.Unlock()
	if wait {
		<-c.done
	}
}

// Session returns the launched session. ok is false before LaunchApp
// completes.
func (c *Connection) Session() (s Session, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session.GameSession != 0
}

// Running reports whether every stage completed and the stream is live.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.closed
}

// Current returns the stage running now, or the last one that ran.
func (c *Connection) Current() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// VideoStats returns lost and emitted video frames.
func (c *Connection) VideoStats() (lost uint32, emitted uint64) {
	c.mu.Lock()
	d := c.depack
	c.mu.Unlock()
	if d == nil {
		return 0, 0
	}
	return d.Lost(), d.Emitted()
}

func (c *Connection) run() {
	defer close(c.done)
	for _, stage := range Stages() {
		if !c.setCurrent(stage) {
			return
		}
		c.notify(func() { c.sc.listener.StageStarting(stage) })

		start := time.Now()
		err := c.traceStage(stage)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.metrics.StageFailed(stage.String())
			c.notify(func() { c.sc.stageFailed(stage, err) })
			c.teardown()
			return
		}
		c.metrics.ObserveStage(stage.String(), time.Since(start))
		c.log.Debug("stage complete", "stage", stage.String(), "took", time.Since(start))
		if c.isClosed() {
			return
		}
		c.notify(func() { c.sc.listener.StageComplete(stage) })
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.metrics.ConnectionStarted()
	c.log.Info("connection started")
	c.notify(c.sc.listener.ConnectionStarted)
}

// notify runs a listener callback on the stage goroutine.
func (c *Connection) notify(fn func()) {
	c.mu.Lock()
	c.notifying = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.notifying = false
		c.mu.Unlock()
	}()
	fn()
}

func (c *Connection) setCurrent(s Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.current = s
	return true
}

func (c *Connection) traceStage(stage Stage) error {
	ctx, span := c.tracer.Start(c.ctx, "connection."+stage.String(),
		trace.WithAttributes(
			attribute.String("gstream.stage", stage.String()),
			attribute.String("gstream.host", c.cfg.Host),
		))
	defer span.End()

	if c.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StageTimeout)
		defer cancel()
	}
	err := c.runStage(ctx, stage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Connection) runStage(ctx context.Context, stage Stage) error {
	switch stage {
	case StageLaunchApp:
		return c.launchApp(ctx)
	case StageHandshake:
		s, _ := c.Session()
		return handshake.Do(ctx, c.cfg.Host, c.cfg.Ports.Handshake, s.GameSession, c.log)
	case StageControlStart:
		return c.startControl(ctx)
	case StageVideoStart:
		return c.startVideo(ctx)
	case StageAudioStart:
		return c.startAudio(ctx)
	case StageControlStart2:
		c.mu.Lock()
		ch := c.control
		c.mu.Unlock()
		if ch == nil {
			return ErrStopped
		}
		return ch.StartPeriodicKeepalive()
	case StageInputStart:
		return c.startInput(ctx)
	}
	return fmt.Errorf("unknown stage %d", int(stage))
}

func (c *Connection) launchApp(ctx context.Context) error {
	nc := negotiate.NewClient(negotiate.Options{
		Host:       c.cfg.Host,
		Port:       c.cfg.Ports.HTTP,
		UniqueID:   c.cfg.UniqueID,
		MAC:        c.cfg.MAC,
		DeviceName: c.cfg.DeviceName,
		HTTPClient: c.cfg.HTTPClient,
		Logger:     c.log,
	})

	paired, err := nc.PairState(ctx)
	if err != nil {
		return err
	}
	if !paired {
		c.sc.listener.DisplayMessage("Device not paired with host. Pair it from the host first.")
		return protocol.ErrUnpaired
	}

	sid, err := nc.SessionID(ctx)
	if err != nil {
		return err
	}
	if sid == 0 {
		c.sc.listener.DisplayMessage("The host declined the session.")
		return ErrDeclined
	}

	apps, err := nc.AppList(ctx, sid)
	if err != nil {
		return err
	}
	app, ok := negotiate.FindApp(apps, c.cfg.AppID, c.cfg.AppName)
	if !ok {
		c.sc.listener.DisplayMessage(fmt.Sprintf("Could not find %s on the host.", c.appLabel()))
		return fmt.Errorf("%w: %s", ErrAppNotFound, c.appLabel())
	}

	key, err := identity.GenerateRemoteInputKey()
	if err != nil {
		return fmt.Errorf("remote input key: %w", err)
	}
	params := negotiate.LaunchParams{Width: c.cfg.Width, Height: c.cfg.Height, FPS: c.cfg.FPS, RIKey: key}

	var gs uint32
	if app.Running {
		c.log.Info("resuming running app", "app", app.Name, "id", app.ID)
		gs, err = nc.ResumeApp(ctx, sid, params)
	} else {
		c.log.Info("launching app", "app", app.Name, "id", app.ID)
		gs, err = nc.LaunchApp(ctx, sid, app.ID, params)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = Session{
		Host:        c.cfg.Host,
		SessionID:   sid,
		AppID:       app.ID,
		AppName:     app.Name,
		GameSession: gs,
		RIKey:       key,
	}
	c.mu.Unlock()
	return nil
}

func (c *Connection) appLabel() string {
	if c.cfg.AppID != 0 {
		return fmt.Sprintf("app %d", c.cfg.AppID)
	}
	return fmt.Sprintf("%q", c.cfg.AppName)
}

func (c *Connection) startControl(ctx context.Context) error {
	s, _ := c.Session()
	ch := control.New(control.Config{
		Host:              c.cfg.Host,
		Port:              c.cfg.Ports.Control,
		Mode:              c.cfg.ControlMode,
		CertPin:           c.cfg.HostCertPin,
		GameSession:       s.GameSession,
		Width:             c.cfg.Width,
		Height:            c.cfg.Height,
		FPS:               c.cfg.FPS,
		KeepaliveInterval: c.cfg.KeepaliveInterval,
		RecvTimeout:       c.cfg.RecvTimeout,
		OnFatal:           c.onFatal,
		Logger:            c.log,
		Metrics:           c.metrics,
	})
	if err := c.register(func() { c.control = ch }, ch.Abort); err != nil {
		return err
	}
	if err := ch.Initialize(ctx); err != nil {
		return err
	}
	return ch.Start()
}

func (c *Connection) startVideo(ctx context.Context) error {
	c.mu.Lock()
	ch := c.control
	c.mu.Unlock()
	if ch == nil {
		return ErrStopped
	}

	vcfg := video.Config{
		ReorderWindow: c.cfg.ReorderWindow,
		QueueSize:     c.cfg.QueueSize,
		Logger:        c.log,
		Metrics:       c.metrics,
	}
	if c.cfg.RequestIDROnLoss {
		vcfg.OnLoss = func(lastGood uint32) {
			if err := ch.RequestIDR(lastGood); err != nil {
				c.log.Debug("keyframe request failed", "err", err)
			}
		}
	}
	depack := video.NewDepacketizer(vcfg)
	if err := c.register(func() { c.depack = depack }, depack.Abort); err != nil {
		return err
	}
	ch.SetLossSource(depack)

	if r := c.cfg.VideoRenderer; r != nil {
		if err := r.Setup(c.cfg.Width, c.cfg.Height, c.cfg.FPS, 0); err != nil {
			return fmt.Errorf("video renderer setup: %w", err)
		}
	}
	vs, err := video.StartStream(ctx, c.cfg.Host, c.cfg.Ports.Video, depack, c.log)
	if err != nil {
		return err
	}
	if err := c.register(func() { c.video = vs }, vs.Abort); err != nil {
		return err
	}
	if r := c.cfg.VideoRenderer; r != nil {
		release := func() {
			r.Stop()
			r.Release()
		}
		if err := c.register(func() { c.rendering = true }, release); err != nil {
			return err
		}
		r.Start(depack)
	}
	return nil
}

func (c *Connection) startAudio(ctx context.Context) error {
	as, err := audio.Start(ctx, audio.Config{
		Host:     c.cfg.Host,
		Port:     c.cfg.Ports.Audio,
		Renderer: c.cfg.AudioRenderer,
		OnError: func(err error) {
			c.log.Debug("audio socket error", "err", err)
		},
		Logger:  c.log,
		Metrics: c.metrics,
	})
	if err != nil {
		return err
	}
	return c.register(func() { c.audio = as }, as.Abort)
}

func (c *Connection) startInput(ctx context.Context) error {
	scfg := input.SenderConfig{
		Host:    c.cfg.Host,
		Port:    c.cfg.Ports.Input,
		Logger:  c.log,
		Metrics: c.metrics,
	}
	if c.cfg.EncryptInput {
		s, _ := c.Session()
		scfg.Key = &s.RIKey
	}
	sender, err := input.NewSender(ctx, scfg)
	if err != nil {
		return err
	}
	return c.register(func() { c.input = sender }, func() { sender.Close() })
}

// register records a freshly opened channel. If the connection was stopped
// meanwhile the channel is released at once and ErrStopped returned.
func (c *Connection) register(set func(), release func()) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		release()
		return ErrStopped
	}
	set()
	c.mu.Unlock()
	return nil
}

// onFatal runs on a control channel goroutine when the live channel dies.
func (c *Connection) onFatal(err error) {
	if c.isClosed() {
		return
	}
	c.metrics.ConnectionTerminated()
	c.sc.terminated(err)
	c.teardown()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// teardown releases every channel, newest first. Channels never opened are
// skipped. Only the first call does anything.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	in, as, vs, depack, ch := c.input, c.audio, c.video, c.depack, c.control
	rendering := c.rendering
	c.input, c.audio, c.video, c.depack, c.control = nil, nil, nil, nil, nil
	c.mu.Unlock()

	if in != nil {
		in.Close()
	}
	if as != nil {
		as.Abort()
	}
	if vs != nil {
		vs.Abort()
	}
	if depack != nil {
		depack.Abort()
	}
	if rendering {
		c.cfg.VideoRenderer.Stop()
		c.cfg.VideoRenderer.Release()
	}
	if ch != nil {
		ch.Abort()
	}
	c.log.Debug("connection torn down")
}

func (c *Connection) sender() (*input.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrStopped
	}
	if c.input == nil {
		return nil, ErrNotStarted
	}
	return c.input, nil
}

func (c *Connection) SendKeyboard(k input.Key, modifiers byte, down bool) error {
	s, err := c.sender()
	if err != nil {
		return err
	}
	return s.SendKeyboard(k, modifiers, down)
}

func (c *Connection) SendMouseMove(dx, dy int16) error {
	s, err := c.sender()
	if err != nil {
		return err
	}
	return s.SendMouseMove(dx, dy)
}

func (c *Connection) SendMouseButton(button byte, down bool) error {
	s, err := c.sender()
	if err != nil {
		return err
	}
	return s.SendMouseButton(button, down)
}

func (c *Connection) SendScroll(amount int16) error {
	s, err := c.sender()
	if err != nil {
		return err
	}
	return s.SendScroll(amount)
}

// SendController forwards a gamepad state. Satisfies input.ControllerSink,
// so a gamepad manager can feed the connection directly.
func (c *Connection) SendController(state protocol.Controller) {
	s, err := c.sender()
	if err != nil {
		return
	}
	s.SendController(state)
}
