// Package bufpool recycles chunk payload buffers so the send loop does
// not allocate one per chunk.
package bufpool

import "sync"

// Pool hands out byte slices of a fixed size. Returned buffers keep
// whatever bytes the previous user wrote; callers overwrite before use.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a pool of size-byte buffers. Sizes below one byte are
// raised to one so Get always returns a usable slice.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly the pool's size.
func (p *Pool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put recycles a buffer obtained from Get. Buffers too small for this
// pool are dropped instead of recycled.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size is the length of every buffer the pool hands out.
func (p *Pool) Size() int { return p.size }
