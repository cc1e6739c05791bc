// Package pool provides a generic sync.Pool wrapper, used by
// internal/content to recycle the per-direction relay buffers instead of
// allocating one per client per tick.
package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// BufferPool is a Pool specialized to fixed-size byte-slice buffers, the
// shape internal/content needs for per-direction relay I/O.
type BufferPool struct {
	pool *Pool[[]byte]
	size int
}

// NewBufferPool creates a BufferPool whose Get always returns a slice whose
// length is the given size.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: New(func() []byte { return make([]byte, size) }),
	}
}

// Get returns a buffer of BufferPool's configured size.
func (bp *BufferPool) Get() []byte {
	buf := bp.pool.Get()
	if cap(buf) < bp.size {
		return make([]byte, bp.size)
	}
	return buf[:bp.size]
}

// Put returns buf to the pool for reuse.
func (bp *BufferPool) Put(buf []byte) {
	bp.pool.Put(buf)
}
