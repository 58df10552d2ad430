package video

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chronologos/gstream/internal/metrics"
	"github.com/chronologos/gstream/internal/protocol"
)

const (
	DefaultReorderWindow = 50 * time.Millisecond
	defaultMaxPending    = 64
)

type Config struct {
	// ReorderWindow is how long an incomplete access unit may wait for its
	// missing fragments before it is declared lost.
	ReorderWindow time.Duration
	QueueSize     int
	// MaxPending caps access units under assembly. Beyond it the oldest is
	// forced out even if its window has not expired.
	MaxPending int
	// ResyncDistance is how far, in frames, an index may sit from the next
	// expected frame before it is treated as a restarted counter instead of
	// reordering. Defaults to four times MaxPending.
	ResyncDistance uint32

	// OnLoss is called outside the depacketizer lock when units are lost,
	// at most once per ReorderWindow. Used to request a keyframe.
	OnLoss func(lastGoodFrame uint32)

	Pool    *BufferPool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// fragment is one received piece of an access unit.
type fragment struct {
	buf  []byte // pooled datagram buffer
	desc ByteBufferDescriptor
}

// assembly collects the fragments of one access unit.
type assembly struct {
	count     uint16
	frags     []fragment
	have      int
	firstSeen time.Time
	corrupt   bool // already counted as lost; absorbs stray fragments
}

func (a *assembly) complete() bool {
	return !a.corrupt && a.have == int(a.count)
}

// Depacketizer reassembles video datagrams into DecodeUnits emitted in frame
// order. Incomplete units are dropped after the reorder window; there is no
// retransmission.
//
// Depacketizer is safe for concurrent use.
type Depacketizer struct {
	cfg   Config
	log   *slog.Logger
	pool  *BufferPool
	queue *Queue
	now   func() time.Time

	mu         sync.Mutex
	pending    map[uint32]*assembly
	nextFrame  uint32
	started    bool
	aborted    bool
	lost       uint32
	lastGood   uint32
	emitted    uint64
	lastReport time.Time

	// stray holds the first fragment seen outside ResyncDistance. A second
	// one close to it within a reorder window confirms the jump.
	stray      *assembly
	strayFrame uint32
}

func NewDepacketizer(cfg Config) *Depacketizer {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultReorderWindow
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.ResyncDistance == 0 {
		cfg.ResyncDistance = 4 * uint32(cfg.MaxPending)
	}
	if cfg.Pool == nil {
		cfg.Pool = NewBufferPool(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Depacketizer{
		cfg:     cfg,
		log:     logger.With("component", "depacketizer"),
		pool:    cfg.Pool,
		queue:   NewQueue(cfg.QueueSize),
		now:     time.Now,
		pending: make(map[uint32]*assembly),
	}
}

// Pool returns the buffer pool datagrams should be read into.
func (d *Depacketizer) Pool() *BufferPool {
	return d.pool
}

// Add takes ownership of buf, a pooled buffer holding one datagram in
// buf[:n]. The buffer is returned to the pool when it is no longer
// referenced.
func (d *Depacketizer) Add(buf []byte, n int) {
	pkt, err := protocol.DecodeVideoPacket(buf[:n])

	d.mu.Lock()
	now := d.now()
	lostBefore := d.lost
	keep := false
	switch {
	case d.aborted:
	case pkt == nil:
		d.log.Debug("dropping malformed datagram", "len", n, "err", err)
	case errors.Is(err, protocol.ErrEmptyFragment):
	case errors.Is(err, protocol.ErrFragmentOverrun):
		d.log.Debug("corrupt fragment", "frame", pkt.Frame, "index", pkt.FragIndex)
		d.markCorruptLocked(pkt.Frame, pkt.FragCount, now)
	default:
		keep = d.addFragmentLocked(buf, pkt, now)
	}
	d.advanceLocked(now)
	newlyLost := d.lost - lostBefore
	d.mu.Unlock()

	if !keep {
		d.pool.Put(buf)
	}
	d.reportLoss(newlyLost)
}

// Expire drops units whose reorder window has passed. The receive loop calls
// it whenever the socket is idle.
func (d *Depacketizer) Expire() {
	d.mu.Lock()
	if d.aborted {
		d.mu.Unlock()
		return
	}
	lostBefore := d.lost
	d.advanceLocked(d.now())
	newlyLost := d.lost - lostBefore
	d.mu.Unlock()
	d.reportLoss(newlyLost)
}

// frameDistance is the number of frames between a and b in either
// direction, allowing for the 32-bit counter to wrap.
func frameDistance(a, b uint32) uint32 {
	if diff := a - b; int32(diff) >= 0 {
		return diff
	}
	return b - a
}

// isLate reports whether frame was already emitted or given up on.
func (d *Depacketizer) isLate(frame uint32) bool {
	return d.started && int32(frame-d.nextFrame) < 0
}

// isFar reports whether frame is too far from nextFrame, ahead or behind, to
// belong to the current numbering.
func (d *Depacketizer) isFar(frame uint32) bool {
	return d.started && frameDistance(frame, d.nextFrame) > d.cfg.ResyncDistance
}

func newAssembly(count uint16, now time.Time) *assembly {
	return &assembly{count: count, frags: make([]fragment, count), firstSeen: now}
}

func (d *Depacketizer) assemblyLocked(frame uint32, count uint16, now time.Time) *assembly {
	if !d.started {
		d.started = true
		d.nextFrame = frame
	}
	a, ok := d.pending[frame]
	if !ok {
		a = newAssembly(count, now)
		d.pending[frame] = a
	}
	return a
}

func (d *Depacketizer) addFragmentLocked(buf []byte, pkt *protocol.VideoPacket, now time.Time) bool {
	if d.isFar(pkt.Frame) {
		if !d.confirmsStrayLocked(pkt.Frame, now) {
			return d.holdStrayLocked(buf, pkt, now)
		}
		d.resyncLocked(pkt.Frame)
	}
	if d.isLate(pkt.Frame) {
		return false
	}
	return d.insertLocked(d.assemblyLocked(pkt.Frame, pkt.FragCount, now), buf, pkt)
}

// confirmsStrayLocked reports whether frame lands near a recent stray, which
// means the host's counter really moved.
func (d *Depacketizer) confirmsStrayLocked(frame uint32, now time.Time) bool {
	return d.stray != nil &&
		now.Sub(d.stray.firstSeen) < d.cfg.ReorderWindow &&
		frameDistance(frame, d.strayFrame) <= d.cfg.ResyncDistance
}

// holdStrayLocked parks a far fragment in place of any older stray. A lone
// corrupt datagram ends up here and is discarded by the next one.
func (d *Depacketizer) holdStrayLocked(buf []byte, pkt *protocol.VideoPacket, now time.Time) bool {
	d.dropStrayLocked()
	d.log.Debug("frame outside current numbering", "frame", pkt.Frame, "next", d.nextFrame)
	d.stray = newAssembly(pkt.FragCount, now)
	d.strayFrame = pkt.Frame
	return d.insertLocked(d.stray, buf, pkt)
}

func (d *Depacketizer) dropStrayLocked() {
	if d.stray != nil {
		d.releaseLocked(d.stray)
		d.stray = nil
	}
}

// resyncLocked restarts frame order at the stray's numbering. Units still
// under assembly cannot complete any more and are counted lost.
func (d *Depacketizer) resyncLocked(frame uint32) {
	var dropped uint32
	for f, a := range d.pending {
		if !a.corrupt {
			dropped++
		}
		d.releaseLocked(a)
		delete(d.pending, f)
	}
	start := d.strayFrame
	if int32(frame-start) < 0 {
		start = frame
	}
	d.log.Info("frame numbering jumped, resynchronizing", "from", d.nextFrame, "to", start, "dropped", dropped)
	d.lost += dropped
	d.cfg.Metrics.VideoLost(int(dropped))

	d.pending[d.strayFrame] = d.stray
	d.stray = nil
	d.nextFrame = start
}

// insertLocked stores one fragment in a. It reports whether buf is now owned
// by the assembly.
func (d *Depacketizer) insertLocked(a *assembly, buf []byte, pkt *protocol.VideoPacket) bool {
	if a.corrupt {
		return false
	}
	if a.count != pkt.FragCount {
		d.log.Debug("fragment count changed mid-frame", "frame", pkt.Frame)
		d.corruptLocked(a)
		return false
	}
	if a.frags[pkt.FragIndex].buf != nil {
		return false // duplicate
	}

	// Payload aliases buf, so the distance between capacities is its offset.
	offset := cap(buf) - cap(pkt.Payload)
	a.frags[pkt.FragIndex] = fragment{
		buf:  buf,
		desc: ByteBufferDescriptor{Data: buf, Offset: offset, Length: len(pkt.Payload)},
	}
	a.have++
	return true
}

func (d *Depacketizer) markCorruptLocked(frame uint32, count uint16, now time.Time) {
	if d.isLate(frame) || d.isFar(frame) {
		return
	}
	a := d.assemblyLocked(frame, count, now)
	if !a.corrupt {
		d.corruptLocked(a)
	}
}

// corruptLocked frees an assembly's buffers and counts it lost once.
func (d *Depacketizer) corruptLocked(a *assembly) {
	d.releaseLocked(a)
	a.corrupt = true
	d.lost++
	d.cfg.Metrics.VideoLost(1)
}

func (d *Depacketizer) releaseLocked(a *assembly) {
	for i := range a.frags {
		if a.frags[i].buf != nil {
			d.pool.Put(a.frags[i].buf)
		}
		a.frags[i] = fragment{}
	}
	a.have = 0
}

// advanceLocked emits or drops units at the head of the frame order.
func (d *Depacketizer) advanceLocked(now time.Time) {
	window := d.cfg.ReorderWindow

	for len(d.pending) > 0 {
		a, ok := d.pending[d.nextFrame]
		overflow := len(d.pending) > d.cfg.MaxPending

		switch {
		case ok && a.complete():
			d.emitLocked(d.nextFrame, a)
			delete(d.pending, d.nextFrame)
			d.nextFrame++

		case ok && a.corrupt:
			delete(d.pending, d.nextFrame)
			d.nextFrame++

		case ok:
			if now.Sub(a.firstSeen) < window && !overflow {
				return
			}
			d.log.Debug("access unit lost", "frame", d.nextFrame, "have", a.have, "count", a.count)
			d.releaseLocked(a)
			delete(d.pending, d.nextFrame)
			d.nextFrame++
			d.lost++
			d.cfg.Metrics.VideoLost(1)

		default:
			// Gap: nothing at all for nextFrame. Give up on it once the
			// oldest later unit has waited a full window. Pending units are
			// never more than ResyncDistance ahead, which bounds the gap.
			oldest, first := d.oldestPendingLocked()
			if now.Sub(first.firstSeen) < window && !overflow {
				return
			}
			gap := oldest - d.nextFrame
			d.log.Debug("frames never arrived", "from", d.nextFrame, "count", gap)
			d.lost += gap
			d.cfg.Metrics.VideoLost(int(gap))
			d.nextFrame = oldest
		}
	}
}

func (d *Depacketizer) oldestPendingLocked() (uint32, *assembly) {
	var oldest uint32
	var a *assembly
	for f, p := range d.pending {
		if a == nil || int32(f-oldest) < 0 {
			oldest, a = f, p
		}
	}
	return oldest, a
}

func (d *Depacketizer) emitLocked(frame uint32, a *assembly) {
	u := &DecodeUnit{
		Frame:       frame,
		Buffers:     make([]ByteBufferDescriptor, 0, len(a.frags)),
		ReceiveTime: a.firstSeen,
		pooled:      make([][]byte, 0, len(a.frags)),
	}
	for _, f := range a.frags {
		u.Buffers = append(u.Buffers, f.desc)
		u.Length += f.desc.Length
		u.pooled = append(u.pooled, f.buf)
	}
	a.frags = nil

	d.lastGood = frame
	d.emitted++
	d.cfg.Metrics.VideoFrame()

	if evicted := d.queue.Offer(u); evicted != nil {
		d.cfg.Metrics.VideoQueueDrop()
		d.freeUnit(evicted)
	}
}

func (d *Depacketizer) reportLoss(n uint32) {
	if n == 0 || d.cfg.OnLoss == nil {
		return
	}
	d.mu.Lock()
	now := d.now()
	if !d.lastReport.IsZero() && now.Sub(d.lastReport) < d.cfg.ReorderWindow {
		d.mu.Unlock()
		return
	}
	d.lastReport = now
	lastGood := d.lastGood
	d.mu.Unlock()

	d.cfg.OnLoss(lastGood)
}

// TakeNextDecodeUnit blocks until a unit is ready, the depacketizer is
// aborted (ErrAborted), or ctx is done.
func (d *Depacketizer) TakeNextDecodeUnit(ctx context.Context) (*DecodeUnit, error) {
	return d.queue.Take(ctx)
}

// FreeDecodeUnit returns the unit's buffers to the pool. Calling it twice on
// the same unit is a no-op.
func (d *Depacketizer) FreeDecodeUnit(u *DecodeUnit) {
	d.freeUnit(u)
}

func (d *Depacketizer) freeUnit(u *DecodeUnit) {
	for _, b := range u.pooled {
		d.pool.Put(b)
	}
	u.pooled = nil
	u.Buffers = nil
}

// LossStats reports the lost unit count and the last emitted frame.
// Satisfies control.LossSource.
func (d *Depacketizer) LossStats() (lostFrames, lastGoodFrame uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost, d.lastGood
}

// Lost returns the number of access units dropped so far.
func (d *Depacketizer) Lost() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Emitted returns the number of DecodeUnits produced so far.
func (d *Depacketizer) Emitted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitted
}

// Abort releases every buffered fragment and unit and wakes blocked
// consumers. Safe to call more than once.
func (d *Depacketizer) Abort() {
	d.mu.Lock()
	if d.aborted {
		d.mu.Unlock()
		return
	}
	d.aborted = true
	for f, a := range d.pending {
		d.releaseLocked(a)
		delete(d.pending, f)
	}
	d.dropStrayLocked()
	d.mu.Unlock()

	for _, u := range d.queue.Close() {
		d.freeUnit(u)
	}
}
