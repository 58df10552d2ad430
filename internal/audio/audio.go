// Package audio reads the host's audio datagrams and forwards the encoded
// payloads to a Renderer in arrival order. Nothing is reordered or
// recovered; a missing packet is a glitch.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chronologos/gstream/internal/metrics"
	"github.com/chronologos/gstream/internal/protocol"
	"github.com/chronologos/gstream/internal/transport"
)

// The host always sends 48 kHz stereo Opus.
const (
	ChannelCount = 2
	SampleRate   = 48000
)

const (
	pingInterval = 500 * time.Millisecond
	readTimeout  = 100 * time.Millisecond
)

// Renderer plays decoded audio. Implementations own the decoder.
type Renderer interface {
	StreamInitialized(channelCount, sampleRate int) error
	PlayDecodedAudio(b []byte, offset, length int)
	StreamClosing()
}

type Config struct {
	Host     string
	Port     int
	Renderer Renderer
	// OnError receives socket errors. They never stop video or control.
	OnError func(error)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stream is the audio receive loop.
type Stream struct {
	cfg  Config
	log  *slog.Logger
	conn *net.UDPConn

	mu       sync.Mutex
	received uint64
	lost     uint64
	lastSeq  uint16
	haveSeq  bool

	done      chan struct{}
	abortOnce sync.Once
	wg        sync.WaitGroup
}

// Start initializes the renderer, pings the host and starts reading.
func Start(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.Port == 0 {
		cfg.Port = protocol.PortAudio
	}
	if cfg.Renderer == nil {
		cfg.Renderer = DiscardRenderer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := cfg.Renderer.StreamInitialized(ChannelCount, SampleRate); err != nil {
		return nil, err
	}
	conn, err := transport.DialDatagram(ctx, cfg.Host, cfg.Port)
	if err != nil {
		cfg.Renderer.StreamClosing()
		return nil, err
	}
	s := &Stream{
		cfg:  cfg,
		log:  logger.With("component", "audio"),
		conn: conn,
		done: make(chan struct{}),
	}
	conn.Write(protocol.PingPayload)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cfg.Renderer.StreamClosing()
		s.readLoop()
	}()
	return s, nil
}

func (s *Stream) readLoop() {
	buf := make([]byte, protocol.MaxDatagramSize)
	lastPing := time.Now()
	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, net.ErrClosed):
				return
			case errors.As(err, &ne) && ne.Timeout():
			default:
				s.report(err)
				select {
				case <-s.done:
					return
				case <-time.After(readTimeout):
				}
			}
			// keep the NAT binding open until the host starts sending
			if s.Received() == 0 && time.Since(lastPing) >= pingInterval {
				s.conn.Write(protocol.PingPayload)
				lastPing = time.Now()
			}
			continue
		}

		pkt, err := protocol.DecodeAudioPacket(buf[:n])
		if err != nil {
			s.log.Debug("dropping malformed audio datagram", "len", n, "err", err)
			continue
		}
		s.track(pkt.Sequence)
		offset := cap(buf) - cap(pkt.Payload)
		s.cfg.Renderer.PlayDecodedAudio(buf, offset, len(pkt.Payload))
	}
}

// track counts sequence gaps. Late or duplicate packets are still played.
func (s *Stream) track(seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	s.cfg.Metrics.AudioPacket()
	if s.haveSeq {
		if gap := seq - s.lastSeq; gap > 1 && gap < 0x8000 {
			s.lost += uint64(gap - 1)
			s.cfg.Metrics.AudioLost(int(gap - 1))
		}
		if int16(seq-s.lastSeq) <= 0 {
			return
		}
	}
	s.lastSeq = seq
	s.haveSeq = true
}

func (s *Stream) report(err error) {
	s.log.Debug("audio read error", "err", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// Received returns the number of audio packets handed to the renderer.
func (s *Stream) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Lost returns the number of packets skipped by sequence number.
func (s *Stream) Lost() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Abort stops the reader and waits for it. The renderer sees StreamClosing
// exactly once. Safe to call more than once.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	s.wg.Wait()
}

// DiscardRenderer drops all audio.
type DiscardRenderer struct{}

func (DiscardRenderer) StreamInitialized(int, int) error  { return nil }
func (DiscardRenderer) PlayDecodedAudio([]byte, int, int) {}
func (DiscardRenderer) StreamClosing()                    {}

// CountingRenderer records how much audio arrived. The CLI prints its totals.
type CountingRenderer struct {
	mu       sync.Mutex
	Channels int
	Rate     int
	Packets  int
	Bytes    int
	Closed   bool
}

func (r *CountingRenderer) StreamInitialized(channels, rate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Channels, r.Rate = channels, rate
	return nil
}

func (r *CountingRenderer) PlayDecodedAudio(b []byte, offset, length int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Packets++
	r.Bytes += length
}

func (r *CountingRenderer) StreamClosing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
}

// Totals returns packets and bytes seen so far.
func (r *CountingRenderer) Totals() (packets, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Packets, r.Bytes
}
