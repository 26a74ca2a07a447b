// Package sv39 implements component B of the address-space subsystem:
// the three-level Sv39 page table (spec.md §4.B) and the PTE bit
// layout it shares with the fault resolver and fork mapper. Grounded
// on the teacher's PTE_* constants and PTE_ADDR masking
// (biscuit/src/mem/mem.go), adapted from the x86-64 4-level layout to
// the RISC-V Sv39 3-level one described by spec.md's Data Model, and
// on original_source/os/vm.c's walk()/walkaddr() for the descent
// itself.
package sv39

import "sv39vm/physmem"

// PTE is a single Sv39 page-table entry: a physical page number plus
// the protection/status bits spec.md §3 enumerates.
type PTE uint64

// Bit positions, matching the real Sv39 leaf/non-leaf PTE layout: bits
// 0-7 are the standard V/R/W/X/U/G/A/D flags, bit 8 is a
// software-reserved ("RSW") bit repurposed as the CoW marker, and the
// physical page number occupies bits 10 and up.
const (
	V        PTE = 1 << 0 // valid
	R        PTE = 1 << 1 // readable
	W        PTE = 1 << 2 // writable
	X        PTE = 1 << 3 // executable
	U        PTE = 1 << 4 // user-accessible
	G        PTE = 1 << 5 // global (unused here, kept for bit-layout fidelity)
	A        PTE = 1 << 6 // accessed
	D        PTE = 1 << 7 // dirty
	COW      PTE = 1 << 8 // software bit: "shared; break on write"
	RWX      PTE = R | W | X
	FlagMask PTE = 0x1ff
)

const ppnShift = 10

// PA2PTE packs a page-aligned physical address into the PPN field of
// a PTE. Flags must be OR'd in separately.
func PA2PTE(pa physmem.PA) PTE {
	return PTE(pa>>physmem.PageShift) << ppnShift
}

// PTE2PA extracts the physical address named by a PTE's PPN field.
func PTE2PA(pte PTE) physmem.PA {
	return physmem.PA((pte >> ppnShift) << physmem.PageShift)
}

// Flags returns the protection/status bits of pte, masking off the PPN.
func (pte PTE) Flags() PTE {
	return pte & FlagMask
}

// IsLeaf reports whether pte is a leaf entry (maps a frame directly)
// as opposed to an intermediate entry pointing at the next-level
// table. Per spec.md §3: "leaf entries, RWX != 000; intermediate-level
// entries have RWX = 000."
func (pte PTE) IsLeaf() bool {
	return pte&RWX != 0
}
