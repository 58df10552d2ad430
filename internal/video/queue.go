package video

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned by blocking calls after the stream is aborted.
var ErrAborted = errors.New("video stream aborted")

const DefaultQueueSize = 15

// Queue is the bounded hand-off between the depacketizer and the renderer.
// It is a ring: Offer never blocks and evicts the oldest unit when full,
// Take blocks until a unit arrives or the queue is closed.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	units    []*DecodeUnit
	head     int // index of next write position
	count    int
	capacity int
	closed   bool

	ready chan struct{} // capacity 1; signalled when count goes above 0
	done  chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		units:    make([]*DecodeUnit, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Offer appends u. If the ring is full the oldest unit is evicted and
// returned so the caller can free it. After Close, u itself is returned.
func (q *Queue) Offer(u *DecodeUnit) (evicted *DecodeUnit) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return u
	}
	if q.count >= q.capacity {
		evicted = q.popOldest()
	}
	q.units[q.head] = u
	q.head = (q.head + 1) % q.capacity
	q.count++

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

// tail returns the index of the oldest unit. Caller must hold q.mu and ensure q.count > 0.
func (q *Queue) tail() int {
	return (q.head - q.count + q.capacity) % q.capacity
}

func (q *Queue) popOldest() *DecodeUnit {
	t := q.tail()
	u := q.units[t]
	q.units[t] = nil
	q.count--
	return u
}

// Take blocks until a unit is available, the queue is closed (ErrAborted),
// or ctx is done.
func (q *Queue) Take(ctx context.Context) (*DecodeUnit, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrAborted
		}
		if q.count > 0 {
			u := q.popOldest()
			more := q.count > 0
			q.mu.Unlock()
			if more {
				// keep the signal armed for other consumers
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return u, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
			return nil, ErrAborted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close wakes every blocked Take and returns the units still queued so the
// caller can free them. Later calls return nil.
func (q *Queue) Close() []*DecodeUnit {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)

	var rest []*DecodeUnit
	for q.count > 0 {
		rest = append(rest, q.popOldest())
	}
	return rest
}
