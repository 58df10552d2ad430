package video

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// DecodeUnitSource is what a renderer pulls from. *Depacketizer satisfies it.
type DecodeUnitSource interface {
	TakeNextDecodeUnit(ctx context.Context) (*DecodeUnit, error)
	FreeDecodeUnit(u *DecodeUnit)
}

// Renderer consumes decode units. Start is called once the stream is up;
// the renderer pulls units from src until Stop.
type Renderer interface {
	Setup(width, height, fps int, flags int) error
	Start(src DecodeUnitSource)
	// SubmitDecodeUnit hands one unit to the decoder. False means the unit
	// could not be decoded.
	SubmitDecodeUnit(u *DecodeUnit) bool
	Stop()
	Release()
}

// WriterRenderer writes each access unit to an io.Writer: a file dump of the
// elementary stream, or io.Discard.
type WriterRenderer struct {
	w   io.Writer
	log *slog.Logger

	mu       sync.Mutex
	units    uint64
	bytes    uint64
	failures uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWriterRenderer(w io.Writer, logger *slog.Logger) *WriterRenderer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WriterRenderer{w: w, log: logger.With("component", "renderer")}
}

func (r *WriterRenderer) Setup(width, height, fps int, flags int) error {
	r.log.Info("video setup", "width", width, "height", height, "fps", fps)
	return nil
}

func (r *WriterRenderer) Start(src DecodeUnitSource) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			u, err := src.TakeNextDecodeUnit(ctx)
			if err != nil {
				if !errors.Is(err, ErrAborted) && !errors.Is(err, context.Canceled) {
					r.log.Warn("take decode unit", "err", err)
				}
				return
			}
			r.SubmitDecodeUnit(u)
			src.FreeDecodeUnit(u)
		}
	}()
}

func (r *WriterRenderer) SubmitDecodeUnit(u *DecodeUnit) bool {
	n, err := u.WriteTo(r.w)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
		return false
	}
	r.units++
	r.bytes += uint64(n)
	return true
}

// Stats returns units and bytes written.
func (r *WriterRenderer) Stats() (units, bytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.units, r.bytes
}

func (r *WriterRenderer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Release closes the writer if it is an io.Closer.
func (r *WriterRenderer) Release() {
	if c, ok := r.w.(io.Closer); ok {
		c.Close()
	}
}
