package sv39

import (
	"unsafe"

	"sv39vm/kutil"
	"sv39vm/physmem"
)

// Levels is the number of radix levels in an Sv39 page table.
const Levels = 3

// PageTable is a single level of the Sv39 radix tree: 512 eight-byte
// entries, exactly one physical frame.
type PageTable [512]PTE

// UserTop bounds the user-addressable virtual address range accepted
// by Walk. Real Sv39 reserves the upper half of the 39-bit space for
// the kernel; we fold the trampoline/trapframe mappings into the top
// of this range instead of modeling a separate kernel half, since
// nothing outside this subsystem ever touches the kernel's own page
// table.
const UserTop uintptr = 1 << 38

// IsUserVA reports whether va is a valid, in-range user virtual
// address. Mirrors original_source/os/vm.c's IS_USER_VA.
func IsUserVA(va uintptr) bool {
	return va < UserTop
}

func pageIndex(level int, va uintptr) uintptr {
	return (va >> (physmem.PageShift + 9*uint(level))) & 0x1ff
}

func deref(mem *physmem.Physmem, pa physmem.PA) *PageTable {
	b := mem.Frame(pa)
	return (*PageTable)(unsafe.Pointer(&b[0]))
}

// Walk returns the address of the level-0 PTE that would translate va
// within the page table rooted at root. When alloc is true, missing
// intermediate levels are allocated as zeroed, kernel-owned pages
// (RWX=000, V=1) and linked in; when false, a missing intermediate
// level causes Walk to return (nil, false) rather than allocate.
// Non-user virtual addresses are rejected outright. Grounded on
// original_source/os/vm.c's walk().
func Walk(mem *physmem.Physmem, root physmem.PA, va uintptr, alloc bool) (*PTE, bool) {
	if !IsUserVA(va) {
		return nil, false
	}
	table := deref(mem, root)
	for level := Levels - 1; level > 0; level-- {
		pte := &table[pageIndex(level, va)]
		if *pte&V != 0 {
			table = deref(mem, PTE2PA(*pte))
			continue
		}
		if !alloc {
			return nil, false
		}
		pa, ok := mem.AllocPage()
		if !ok {
			return nil, false
		}
		*pte = PA2PTE(pa) | V
		table = deref(mem, pa)
	}
	return &table[pageIndex(0, va)], true
}

// WalkAddr resolves a page-aligned user virtual address to the
// page-aligned physical frame backing it, or (0, false) if it is
// unmapped, invalid, or not user-accessible. Mirrors
// original_source/os/vm.c's walkaddr().
func WalkAddr(mem *physmem.Physmem, root physmem.PA, va uintptr) (physmem.PA, bool) {
	if !kutil.Aligned(va, uintptr(physmem.PageSize)) {
		return 0, false
	}
	pte, ok := Walk(mem, root, va, false)
	if !ok {
		return 0, false
	}
	if *pte&V == 0 || *pte&U == 0 {
		return 0, false
	}
	return PTE2PA(*pte), true
}

// UserAddr resolves va (any offset within its page) to a physical
// address with the in-page offset preserved, or (0, false) if
// unmapped.
func UserAddr(mem *physmem.Physmem, root physmem.PA, va uintptr) (physmem.PA, bool) {
	pagebase := kutil.Rounddown(va, uintptr(physmem.PageSize))
	off := va - pagebase
	page, ok := WalkAddr(mem, root, pagebase)
	if !ok {
		return 0, false
	}
	return page + physmem.PA(off), true
}

// NewRoot allocates and zeroes a fresh root page table, returning its
// physical address. The caller owns releasing it via FreePageTable.
func NewRoot(mem *physmem.Physmem) (physmem.PA, bool) {
	return mem.AllocPage()
}

// FreePageTable recursively releases every intermediate page of the
// table rooted at root back to the allocator. It never touches leaf
// frames — those are released through the VMA teardown path, which
// decrements their refcounts (spec.md §4.B). Grounded on
// original_source/os/vm.c's freepgt().
func FreePageTable(mem *physmem.Physmem, root physmem.PA) {
	freeLevel(mem, root, Levels-1)
}

func freeLevel(mem *physmem.Physmem, pa physmem.PA, level int) {
	table := deref(mem, pa)
	if level > 0 {
		for i := range table {
			pte := table[i]
			if pte&V != 0 && !pte.IsLeaf() {
				freeLevel(mem, PTE2PA(pte), level-1)
			}
		}
	}
	mem.ReleaseKernelPage(pa)
}
