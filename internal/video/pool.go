package video

import (
	"sync"

	"github.com/chronologos/gstream/internal/protocol"
)

const defaultPoolSlots = 512

// BufferPool recycles datagram-sized receive buffers. A buffer travels from
// the receive loop into a DecodeUnit and back here when the unit is freed.
//
// BufferPool is safe for concurrent use.
type BufferPool struct {
	mu      sync.Mutex
	free    [][]byte
	maxFree int
	allocs  int
}

func NewBufferPool(maxFree int) *BufferPool {
	if maxFree <= 0 {
		maxFree = defaultPoolSlots
	}
	return &BufferPool{maxFree: maxFree}
}

// Get returns a buffer of protocol.MaxDatagramSize bytes.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return b
	}
	p.allocs++
	return make([]byte, protocol.MaxDatagramSize)
}

// Put returns a buffer. Buffers beyond the free-list cap are left to the GC.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < protocol.MaxDatagramSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.maxFree {
		p.free = append(p.free, b[:protocol.MaxDatagramSize])
	}
}

// Allocs reports how many buffers were ever allocated.
func (p *BufferPool) Allocs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs
}
