// Package physmem implements component A of the address-space
// subsystem: a physical-frame allocator and the per-frame reference
// count table that makes copy-on-write sharing possible.
//
// Physical DRAM is modeled as a single mmap'd anonymous arena rather
// than the real machine's memory, so the whole subsystem runs as an
// ordinary Go test binary. This mirrors the teacher's own split
// between Physmem_t (the allocator + refcount table) and Dmap (the
// direct map that turns a physical address into a Go-accessible
// pointer) while swapping the x86-64 direct-map trick for an
// unix.Mmap-backed arena, the same technique the guest-memory code in
// the wider pack (e2b-dev-infra's uffd package, gvisor's KVM platform)
// uses to back simulated physical memory.
package physmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"sv39vm/klog"
	"sv39vm/kutil"
)

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a single frame in bytes.
const PageSize = 1 << PageShift

// PageOffsetMask masks the in-page offset of an address.
const PageOffsetMask PA = PageSize - 1

// PA is a physical address within the simulated DRAM arena.
type PA uintptr

// dramBase is a cosmetic stand-in for RISCV_DDR_BASE; only offsets
// from it are ever used to index the arena.
const dramBase PA = 0x80000000

const noFrame = ^uint32(0)

type frame struct {
	refcnt int32
	next   uint32
}

// Physmem owns the simulated DRAM arena, the free-frame list and the
// refcount table (spec.md §3's "Frame index space" and §4.A).
type Physmem struct {
	mu        sync.Mutex // the allocator lock of spec.md §5
	arena     []byte
	frames    []frame
	freeHead  uint32
	freeCount int32
}

// New allocates a simulated DRAM arena of nframes pages, all initially
// free. nframes corresponds to spec.md's NFRAMES = PHYS_MEM_SIZE / PGSIZE.
func New(nframes int) (*Physmem, error) {
	if nframes <= 0 {
		return nil, fmt.Errorf("physmem: nframes must be positive, got %d", nframes)
	}
	size := nframes * PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	p := &Physmem{
		arena:  arena,
		frames: make([]frame, nframes),
	}
	for i := range p.frames {
		p.frames[i].next = uint32(i + 1)
	}
	p.frames[nframes-1].next = noFrame
	p.freeHead = 0
	p.freeCount = int32(nframes)
	return p, nil
}

// Close releases the simulated DRAM arena.
func (p *Physmem) Close() error {
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return err
}

// NFrames reports the total number of frames backing this arena.
func (p *Physmem) NFrames() int {
	return len(p.frames)
}

// Base returns the simulated base physical address of the arena;
// frame index i lives at Base()+i*PageSize.
func (p *Physmem) Base() PA {
	return dramBase
}

func (p *Physmem) index(pa PA) (uint32, bool) {
	if pa < dramBase {
		return 0, false
	}
	off := pa - dramBase
	if !kutil.Aligned(off, PA(PageSize)) {
		return 0, false
	}
	idx := uint64(off) >> PageShift
	if idx >= uint64(len(p.frames)) {
		return 0, false
	}
	return uint32(idx), true
}

func (p *Physmem) mustIndex(pa PA) uint32 {
	idx, ok := p.index(pa)
	if !ok {
		panic(fmt.Sprintf("physmem: %#x is not a valid in-range, page-aligned frame address", uintptr(pa)))
	}
	return idx
}

func (p *Physmem) paOf(idx uint32) PA {
	return dramBase + PA(idx)*PageSize
}

// Aligned reports whether pa is page-aligned.
func (p *Physmem) Aligned(pa PA) bool {
	return kutil.Aligned(pa, PA(PageSize))
}

// InRange reports whether pa names a page-aligned frame inside this arena.
func (p *Physmem) InRange(pa PA) bool {
	_, ok := p.index(pa)
	return ok
}

func (p *Physmem) allocLocked() (PA, bool) {
	if p.freeHead == noFrame {
		return 0, false
	}
	idx := p.freeHead
	f := &p.frames[idx]
	if f.refcnt != 0 {
		panic("physmem: free-list frame has nonzero refcount")
	}
	p.freeHead = f.next
	p.freeCount--
	return p.paOf(idx), true
}

// AllocPageNoZero pops a frame off the free list without clearing its
// contents. The returned frame has refcount 0; the caller is expected
// to RefInc it once it installs a PTE referencing it, or to treat it
// as kernel-owned and never touch the refcount table at all (see
// ReleaseKernelPage). Mirrors the teacher's Refpg_new_nozero, used
// when the caller is about to overwrite every byte anyway (a CoW-break
// copy).
func (p *Physmem) AllocPageNoZero() (PA, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked()
}

// AllocPage pops a frame and zeroes it, mirroring Refpg_new.
func (p *Physmem) AllocPage() (PA, bool) {
	pa, ok := p.AllocPageNoZero()
	if !ok {
		return 0, false
	}
	b := p.Frame(pa)
	for i := range b {
		b[i] = 0
	}
	return pa, true
}

func (p *Physmem) freeLocked(idx uint32) {
	p.frames[idx].next = p.freeHead
	p.freeHead = idx
	p.freeCount++
}

// ReleaseKernelPage returns a frame straight to the free list without
// going through the refcount table. It is for frames that are never
// shared across address spaces and were never RefInc'd in the first
// place: page-table intermediate pages, and the trampoline/trapframe
// pages mapped by vm's mapPageAtLocked. Panics if the frame's refcount is
// nonzero, since that would mean some PTE still claims to share it.
func (p *Physmem) ReleaseKernelPage(pa PA) {
	idx := p.mustIndex(pa)
	if atomic.LoadInt32(&p.frames[idx].refcnt) != 0 {
		klog.Printf("releasing kernel page %#x with nonzero refcount", uintptr(pa))
		panic(fmt.Sprintf("physmem: releasing kernel page %#x with nonzero refcount", uintptr(pa)))
	}
	p.mu.Lock()
	p.freeLocked(idx)
	p.mu.Unlock()
}

// FreeCount reports the number of frames currently on the free list.
// Backs the GET_NRFREEPGS test selector (spec.md §6).
func (p *Physmem) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.freeCount)
}

// RefInc implements refcount_inc (spec.md §4.A): increments pa's
// refcount and returns the new value. A transition past 255 is a
// kernel invariant violation (the 8-bit counter described by the spec
// has saturated) and panics rather than returning an error, per
// spec.md §7's "Fatal (kernel invariant)" classification.
func (p *Physmem) RefInc(pa PA) uint8 {
	idx := p.mustIndex(pa)
	n := atomic.AddInt32(&p.frames[idx].refcnt, 1)
	if n > 255 {
		klog.Printf("refcount saturated at frame %#x", uintptr(pa))
		panic(fmt.Sprintf("physmem: refcount saturated at frame %#x", uintptr(pa)))
	}
	return uint8(n)
}

// RefDec implements refcount_dec: decrements pa's refcount, and
// returns the frame to the free list the instant the count reaches
// zero. Decrementing an already-zero refcount is a kernel invariant
// violation.
func (p *Physmem) RefDec(pa PA) uint8 {
	idx := p.mustIndex(pa)
	n := atomic.AddInt32(&p.frames[idx].refcnt, -1)
	if n < 0 {
		klog.Printf("refcount underflow at frame %#x", uintptr(pa))
		panic(fmt.Sprintf("physmem: refcount underflow at frame %#x", uintptr(pa)))
	}
	if n == 0 {
		p.mu.Lock()
		p.freeLocked(idx)
		p.mu.Unlock()
	}
	return uint8(n)
}

// RefGet implements refcount_get.
func (p *Physmem) RefGet(pa PA) uint8 {
	idx := p.mustIndex(pa)
	return uint8(atomic.LoadInt32(&p.frames[idx].refcnt))
}

// Frame returns the PageSize-byte slice backing the frame at pa, for
// content copies and for reinterpreting the frame as a page-table
// page. Analogous to the teacher's Physmem_t.Dmap, minus the x86
// direct-map address arithmetic (we already hold the frame's bytes in
// a Go slice).
func (p *Physmem) Frame(pa PA) []byte {
	idx := p.mustIndex(pa)
	off := int(idx) * PageSize
	return p.arena[off : off+PageSize : off+PageSize]
}
