package vm

import (
	"sv39vm/defs"
	"sv39vm/klog"
	"sv39vm/kutil"
	"sv39vm/physmem"
	"sv39vm/sv39"
)

// mapPageAtLocked installs a single page-aligned mapping with no
// associated VMA and no refcount bookkeeping — used only for the
// trampoline and trapframe, whose frames are owned and freed by a
// caller outside this subsystem. The address-space lock must already
// be held. Mirrors mm_mappageat.
func (as *AddressSpace) mapPageAtLocked(va uintptr, pa physmem.PA, perms sv39.PTE) defs.Err_t {
	as.assertLocked()
	if checkOverlap(as, va, va+physmem.PageSize, nil) {
		return defs.EINVAL
	}
	pte, ok := sv39.Walk(as.mem, as.root, va, true)
	if !ok {
		return defs.ENOMEM
	}
	if *pte&sv39.V != 0 {
		panic("vm: mapPageAt target already mapped")
	}
	*pte = sv39.PA2PTE(pa) | perms | sv39.U | sv39.V
	return 0
}

// CreateVMA reserves [start, end) in as for a mapping with the given
// permissions, backing every page with a freshly allocated, zeroed,
// singly-referenced frame. Rejects any overlap with an existing VMA.
// On failure, no partial state is left behind. Mirrors mm_create_vma
// plus the eager half of mm_mappages.
func CreateVMA(as *AddressSpace, start, end uintptr, perms sv39.PTE) (*VMA, defs.Err_t) {
	as.LockPmap()
	defer as.UnlockPmap()

	if start >= end || !pageAligned(start) || !pageAligned(end) {
		return nil, defs.EINVAL
	}
	if !sv39.IsUserVA(end - 1) {
		return nil, defs.EINVAL
	}
	if checkOverlap(as, start, end, nil) {
		return nil, defs.EINVAL
	}

	vma := vmaPool.Get()
	*vma = VMA{Start: start, End: end, Perms: perms, owner: as}

	for va := start; va < end; va += physmem.PageSize {
		pte, ok := sv39.Walk(as.mem, as.root, va, true)
		if !ok {
			unwindMapping(as, start, va)
			vmaPool.Put(vma)
			return nil, defs.ENOMEM
		}
		pa, ok := as.mem.AllocPage()
		if !ok {
			unwindMapping(as, start, va)
			vmaPool.Put(vma)
			return nil, defs.ENOMEM
		}
		*pte = sv39.PA2PTE(pa) | perms | sv39.U | sv39.V
		as.mem.RefInc(pa)
	}

	as.link(vma)
	as.TLBFence(start, int((end-start)/physmem.PageSize))
	return vma, 0
}

// unwindMapping undoes eager mappings installed in [start, upto) after
// a later page in the same operation failed to allocate.
func unwindMapping(as *AddressSpace, start, upto uintptr) {
	for va := start; va < upto; va += physmem.PageSize {
		pte, ok := sv39.Walk(as.mem, as.root, va, false)
		if !ok || *pte&sv39.V == 0 {
			continue
		}
		as.mem.RefDec(sv39.PTE2PA(*pte))
		*pte = 0
	}
}

// Remap grows vma to [start, end), mapping newly covered pages with
// fresh, singly-referenced frames and leaving already-mapped pages
// untouched. Supplements spec.md's fork/fault/copy trio with the
// sbrk-driving heap-growth operation original_source/os/vm.c calls
// mm_remap. A start change or a permission change are shapes this
// subsystem's one caller (sbrk growing the heap) never produces, so
// they are kernel invariant violations rather than ordinary errors.
//
// Walks the same dual-region span mm_remap does, [min(start,
// vma.Start), max(end, vma.End)), classifying every page as either
// "falls outside the new range" (a shrink removal — never reached
// today since end < vma.End is rejected above, but the branch is the
// seam a future heap-shrink extension would fill in) or "inside the
// new range" (leave an existing mapping as it is, or install a fresh
// frame where none exists yet).
func Remap(vma *VMA, start, end uintptr, perms sv39.PTE) defs.Err_t {
	as := vma.owner
	as.LockPmap()
	defer as.UnlockPmap()

	if start != vma.Start || end < vma.End || perms != vma.Perms {
		klog.Printf("unsupported mm_remap shape: [%#x,%#x)+%#x -> [%#x,%#x)+%#x", vma.Start, vma.End, vma.Perms, start, end, perms)
		panic("vm: unsupported mm_remap shape")
	}
	if !pageAligned(end) || !sv39.IsUserVA(end-1) {
		return defs.EINVAL
	}
	if checkOverlap(as, start, end, vma) {
		return defs.EINVAL
	}

	iterStart := kutil.Min(start, vma.Start)
	iterEnd := kutil.Max(end, vma.End)

	var created []uintptr
	for va := iterStart; va < iterEnd; va += physmem.PageSize {
		if va < start || va >= end {
			// To be removed: outside the new range. Shrinking the heap
			// is a Non-goal, so this is never reached by the one caller
			// today; left unhandled on purpose.
			continue
		}
		pte, ok := sv39.Walk(as.mem, as.root, va, true)
		if !ok {
			unwindCreated(as, created)
			return defs.ENOMEM
		}
		if *pte&sv39.V != 0 {
			// Already mapped: leave the PTE as it is, so a page that
			// fork marked copy-on-write keeps its COW bit and stays
			// write-protected.
			continue
		}
		pa, ok := as.mem.AllocPage()
		if !ok {
			unwindCreated(as, created)
			return defs.ENOMEM
		}
		*pte = sv39.PA2PTE(pa) | perms | sv39.U | sv39.V
		as.mem.RefInc(pa)
		created = append(created, va)
	}

	vma.End = end
	as.TLBFence(iterStart, int((iterEnd-iterStart)/physmem.PageSize))
	return 0
}

// unwindCreated undoes the freshly allocated frames Remap installed
// before a later page in the same call failed to allocate. Pages that
// were already mapped are not modified by Remap, so there is nothing to
// roll back for them.
func unwindCreated(as *AddressSpace, created []uintptr) {
	for _, va := range created {
		pte, ok := sv39.Walk(as.mem, as.root, va, false)
		if !ok || *pte&sv39.V == 0 {
			continue
		}
		as.mem.RefDec(sv39.PTE2PA(*pte))
		*pte = 0
	}
}
