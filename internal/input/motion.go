package input

import (
	"math"
	"time"

	"github.com/chronologos/gstream/internal/protocol"
)

// MotionDelay is the coalescing deadline for relative mouse motion,
// measured from the first delta in a batch.
const MotionDelay = 2 * time.Millisecond

// motionCoalescer sums relative mouse deltas so a burst of pointer events
// becomes one MouseMove packet. It flushes when:
//
//   - MotionDelay expires (deadline from the first delta, not reset by
//     later ones)
//   - the sum would no longer fit the packet's int16 fields
//   - any other packet is about to be sent, so ordering is preserved
//
// All methods are used from the sender's write loop.
type motionCoalescer struct {
	dx, dy  int32
	pending bool
	timer   *time.Timer
	armed   bool
}

func newMotionCoalescer() *motionCoalescer {
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	return &motionCoalescer{timer: t}
}

// Add accumulates a delta. If the sum would overflow the packet's int16
// fields, the open batch is returned for sending first and m starts a new
// one.
func (c *motionCoalescer) Add(m protocol.MouseMove) (full protocol.MouseMove, ok bool) {
	nx, ny := c.dx+int32(m.DeltaX), c.dy+int32(m.DeltaY)
	if c.pending && (!fits16(nx) || !fits16(ny)) {
		full, ok = c.Flush()
		nx, ny = int32(m.DeltaX), int32(m.DeltaY)
	}
	if !c.armed {
		c.timer.Reset(MotionDelay)
		c.armed = true
	}
	c.dx, c.dy, c.pending = nx, ny, true
	return full, ok
}

// Flush returns the summed motion and resets the batch. ok is false when
// nothing is pending.
func (c *motionCoalescer) Flush() (m protocol.MouseMove, ok bool) {
	if c.armed {
		if !c.timer.Stop() {
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}
	if !c.pending {
		return protocol.MouseMove{}, false
	}
	m = protocol.MouseMove{DeltaX: int16(c.dx), DeltaY: int16(c.dy)}
	c.dx, c.dy, c.pending = 0, 0, false
	return m, true
}

// Timer fires when the deadline expires. Nil when no batch is open, which
// disables the select case.
func (c *motionCoalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

func (c *motionCoalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}

func fits16(v int32) bool {
	return v >= math.MinInt16 && v <= math.MaxInt16
}
