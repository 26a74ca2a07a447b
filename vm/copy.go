package vm

import (
	"sv39vm/defs"
	"sv39vm/sv39"
)

// CopyToUser implements component G: it writes src into as's address
// space starting at dstVA, crossing page boundaries as needed and
// breaking copy-on-write sharing exactly as a store fault would —
// reusing breakCOW so the two paths can never disagree on when a page
// is genuinely read-only versus merely shared. Returns EFAULT for an
// unmapped or non-user destination, EPERM for a destination that is
// read-only by design (COW unset), and ENOMEM if a break needed a
// frame that wasn't available. Mirrors the teacher's K2user_inner,
// generalized from its x86 direct-map copy to walking the destination
// page by page.
func CopyToUser(as *AddressSpace, dstVA uintptr, src []byte) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()

	off := 0
	for off < len(src) {
		va := dstVA + uintptr(off)
		pagebase := pageBase(va)

		pte, ok := sv39.Walk(as.mem, as.root, pagebase, false)
		if !ok || *pte&sv39.V == 0 || *pte&sv39.U == 0 {
			return defs.EFAULT
		}
		if *pte&sv39.W == 0 {
			if *pte&sv39.COW == 0 {
				return defs.EPERM
			}
			if !breakCOW(as.mem, pte) {
				return defs.ENOMEM
			}
			as.TLBFence(pagebase, 1)
		}

		frame := as.mem.Frame(sv39.PTE2PA(*pte))
		pageOff := int(pageOffset(va))
		n := copy(frame[pageOff:], src[off:])
		off += n
	}
	return 0
}

// CopyFromUser implements the read half of component G: it copies
// srcVA's contents out of as's address space into dst. A CoW-shared,
// write-protected page is perfectly readable, so no break is needed —
// only presence, user-accessibility and the R bit are checked. Mirrors
// the teacher's User2k_inner.
func CopyFromUser(as *AddressSpace, dst []byte, srcVA uintptr) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()

	off := 0
	for off < len(dst) {
		va := srcVA + uintptr(off)
		pagebase := pageBase(va)

		pte, ok := sv39.Walk(as.mem, as.root, pagebase, false)
		if !ok || *pte&sv39.V == 0 || *pte&sv39.U == 0 || *pte&sv39.R == 0 {
			return defs.EFAULT
		}

		frame := as.mem.Frame(sv39.PTE2PA(*pte))
		pageOff := int(pageOffset(va))
		n := copy(dst[off:], frame[pageOff:])
		off += n
	}
	return 0
}
