package pool

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrPoolExhausted indicates that every buffer of the requested tier is in use.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrBufferTooLarge indicates a request larger than the large tier.
	ErrBufferTooLarge = errors.New("requested buffer exceeds large tier size")
)

// BufferPool is a bounded free list of byte buffers in two size tiers.
//
// The small tier serves ordinary protocol messages, the large tier serves array payloads up
// to the configured maximum array size. Each tier allows at most a fixed number of buffers
// in use at the same time so that worst case memory is predictable; Get reports
// ErrPoolExhausted instead of allocating past the limit.
//
// BufferPool is safe for concurrent use.
type BufferPool struct {
	small tier
	large tier
}

type tier struct {
	size  int
	limit int32
	inUse atomic.Int32
	free  chan []byte
}

// NewBufferPool creates a pool with smallMax buffers of smallSize bytes and largeMax buffers
// of largeSize bytes. largeSize is raised to smallSize when smaller.
func NewBufferPool(smallSize, largeSize, smallMax, largeMax int) *BufferPool {
	if largeSize < smallSize {
		largeSize = smallSize
	}

	return &BufferPool{
		small: newTier(smallSize, smallMax),
		large: newTier(largeSize, largeMax),
	}
}

func newTier(size, limit int) tier {
	if limit < 1 {
		limit = 1
	}

	return tier{
		size:  size,
		limit: int32(limit), //nolint:gosec
		free:  make(chan []byte, limit),
	}
}

// Get returns a buffer with length size. The buffer must be returned with Put.
func (p *BufferPool) Get(size int) ([]byte, error) {
	switch {
	case size <= p.small.size:
		return p.small.get(size)
	case size <= p.large.size:
		return p.large.get(size)
	default:
		return nil, ErrBufferTooLarge
	}
}

// Put returns buf to the tier it was taken from. Buffers not obtained from Get are ignored.
func (p *BufferPool) Put(buf []byte) {
	switch {
	case buf == nil:
		return
	case cap(buf) == p.small.size:
		p.small.put(buf)
	case cap(buf) == p.large.size:
		p.large.put(buf)
	}
}

// InUse returns the number of outstanding buffers of each tier.
func (p *BufferPool) InUse() (small int, large int) {
	return int(p.small.inUse.Load()), int(p.large.inUse.Load())
}

func (t *tier) get(size int) ([]byte, error) {
	for {
		n := t.inUse.Load()
		if n >= t.limit {
			return nil, ErrPoolExhausted
		}
		if t.inUse.CompareAndSwap(n, n+1) {
			break
		}
	}

	select {
	case buf := <-t.free:
		return buf[:size], nil
	default:
		return make([]byte, size, t.size), nil
	}
}

func (t *tier) put(buf []byte) {
	if t.inUse.Add(-1) < 0 {
		// unbalanced Put, keep the counter sane
		t.inUse.Store(0)
	}

	select {
	case t.free <- buf[:0]:
	default:
	}
}
