// Package slab provides the fixed-size object allocator that spec.md
// §6 lists as an external collaborator ("Fixed-size object allocator
// for MM and VMA objects"). It is grounded on two sources: the
// teacher's vm.Ubpool, a sync.Pool of reusable Userbuf_t values, and
// the original C skeleton's allocator_t (allocator_init/kalloc/kfree,
// "available_count" reported through the KTEST_GET_NRSTRBUF selector).
package slab

import "sync"

// Pool hands out and reclaims fixed-size objects of type T, backed by
// a sync.Pool the way the teacher's Ubpool is. Unlike a bare sync.Pool
// it also tracks how many objects it has ever handed out versus taken
// back, which the original's allocator_t exposed as available_count
// and which the ktest package's GET_NRSTRBUF selector reads.
type Pool[T any] struct {
	pool      sync.Pool
	mu        sync.Mutex
	inUse     int
	allocated int
	capacity  int // 0 means unbounded
}

// New creates an unbounded Pool whose zero-value objects are produced
// by newFn, for collaborators like the MM/VMA allocators that spec.md
// never asks to report an "available" count.
func New[T any](newFn func() *T) *Pool[T] {
	p := &Pool[T]{}
	p.pool = sync.Pool{New: func() any { return newFn() }}
	return p
}

// NewFixed creates a Pool with a reported capacity, for collaborators
// like the string-buffer allocator the GET_NRSTRBUF selector inspects
// (original_source/os/ktest/ktest_syscall.c's available_count). The
// capacity is advisory bookkeeping only: Get never blocks even past
// capacity, matching the teacher's sync.Pool-backed Ubpool rather than
// the original's hard-limited array.
func NewFixed[T any](newFn func() *T, capacity int) *Pool[T] {
	p := New(newFn)
	p.capacity = capacity
	return p
}

// Available reports how many objects this pool could still hand out
// before exceeding its declared capacity, or -1 for an unbounded pool.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity == 0 {
		return -1
	}
	if n := p.capacity - p.inUse; n > 0 {
		return n
	}
	return 0
}

// Get returns a fresh or recycled *T.
func (p *Pool[T]) Get() *T {
	v := p.pool.Get().(*T)
	p.mu.Lock()
	p.inUse++
	p.allocated++
	p.mu.Unlock()
	return v
}

// Put returns obj to the pool for reuse. obj must not be accessed again.
func (p *Pool[T]) Put(obj *T) {
	p.mu.Lock()
	p.inUse--
	if p.inUse < 0 {
		panic("slab: Put without matching Get")
	}
	p.mu.Unlock()
	p.pool.Put(obj)
}

// InUse reports how many objects are currently checked out.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
