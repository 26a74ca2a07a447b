// Package ktest implements the test/inspection syscall surface spec.md
// §6 describes: a small, multiplexed selector dispatch a test harness
// uses to peek at kernel state and to drive copy_to_user without a
// full syscall table. Grounded on
// original_source/os/ktest/ktest_syscall.c's switch-on-selector
// dispatch, adapted from its fixed C selector constants to a Go
// type and a result struct in place of writing results into scratch
// kernel globals.
package ktest

import (
	"fmt"
	"strings"

	"sv39vm/defs"
	"sv39vm/physmem"
	"sv39vm/slab"
	"sv39vm/sv39"
	"sv39vm/vm"
)

// Selector names the operation a Dispatch call requests, mirroring the
// selector argument of the original syscall.
type Selector int

const (
	PrintUserPgt Selector = iota
	PrintKernPgt
	GetNRFreePgs
	GetNRStrBuf
	CopyToUser
)

// Result carries whichever of its fields the requested Selector
// populates; the rest are zero.
type Result struct {
	Dump  string
	Count int
	Err   defs.Err_t
}

// StrBuf is the fixed-size string-buffer allocator GET_NRSTRBUF
// reports on — a second instance of the same collaborator spec.md §6
// names for a kernel-internal use unrelated to address spaces
// (originally kernel log/string scratch buffers). Backed by the same
// slab.Pool the VMA/MM allocator uses, sized to a fixed 64-byte buffer.
type StrBuf [64]byte

// strBufCapacity mirrors the original allocator_t's fixed pool size
// for kernel string scratch buffers.
const strBufCapacity = 64

var strBufPool = slab.NewFixed(func() *StrBuf { return &StrBuf{} }, strBufCapacity)

// Dispatch performs the operation named by sel against as (nil is
// valid for selectors that don't need an address space). val and va
// are only consulted by CopyToUser.
func Dispatch(sel Selector, mem *physmem.Physmem, as *vm.AddressSpace, va uintptr, val uint32) Result {
	switch sel {
	case PrintUserPgt:
		return Result{Dump: dumpUserPageTable(mem, as)}
	case PrintKernPgt:
		// Out of scope: this subsystem models no separate kernel page
		// table (sv39.UserTop's doc comment). Report that plainly
		// rather than fabricate one.
		return Result{Dump: "(no separate kernel page table in this build)"}
	case GetNRFreePgs:
		return Result{Count: mem.FreeCount()}
	case GetNRStrBuf:
		return Result{Count: strBufPool.Available()}
	case CopyToUser:
		var buf [4]byte
		buf[0] = byte(val)
		buf[1] = byte(val >> 8)
		buf[2] = byte(val >> 16)
		buf[3] = byte(val >> 24)
		err := vm.CopyToUser(as, va, buf[:])
		return Result{Err: err}
	default:
		return Result{Err: defs.EINVAL}
	}
}

// dumpUserPageTable renders every present user mapping reachable from
// as's root, one compact va=>pa line per page; PTE flags are not
// printed.
func dumpUserPageTable(mem *physmem.Physmem, as *vm.AddressSpace) string {
	if as == nil {
		return ""
	}
	var b strings.Builder
	for va := uintptr(0); va < sv39.UserTop; va += physmem.PageSize {
		pa, ok := sv39.WalkAddr(mem, vm.Root(as), va)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%#x=>%#x\n", va, uintptr(pa))
	}
	return b.String()
}
