package common

import "github.com/colega/zeropool"

// BufferPool hands out reusable byte slices for framing radio packets
type BufferPool struct {
	size int
	pool zeropool.Pool[[]byte]
}

// NewBufferPool creates a pool whose buffers have at least size bytes of capacity
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: zeropool.New(func() []byte { return make([]byte, size) }),
	}
}

// Get returns a buffer of the pool's default size
func (bp *BufferPool) Get() []byte {
	return bp.GetSize(bp.size)
}

// GetSize returns a buffer of length n. Requests larger than the pool size
// are allocated directly and are not retained by Put.
func (bp *BufferPool) GetSize(n int) []byte {
	if n > bp.size {
		return make([]byte, n)
	}
	return bp.pool.Get()[:n]
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) != bp.size {
		return
	}
	bp.pool.Put(buf[:cap(buf)])
}
