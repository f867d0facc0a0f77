package core

import (
	"bytes"
	"sync"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

// NewGenericPool creates a new GenericPool with a function to create new items.
// reset, if set, is applied to every item handed back with Put.
func NewGenericPool[T any](newItem func() T, reset func(T)) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
		reset: reset,
	}
}

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	if p.reset != nil {
		p.reset(item)
	}
	p.pool.Put(item)
}

// maxPooledBuffer keeps a single oversized statement from pinning memory.
const maxPooledBuffer = 128 * 1024

// BufferPool hands out scratch buffers for frame encoding.
var BufferPool = NewGenericPool(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 512)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer returns an empty buffer from BufferPool.
func GetBuffer() *bytes.Buffer {
	return BufferPool.Get()
}

// PutBuffer returns b to BufferPool unless it grew too large.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	BufferPool.Put(b)
}
