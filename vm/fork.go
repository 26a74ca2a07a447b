package vm

import (
	"sv39vm/defs"
	"sv39vm/physmem"
	"sv39vm/sv39"
)

// ForkCOW mirrors every VMA of old into new, sharing each backing
// frame copy-on-write rather than copying it: for every writable
// mapping, W is cleared and the COW bit set on both the parent's and
// the child's PTE, and the frame's refcount gains one (the parent's
// share already existed; this counts the child's). Read-only mappings
// are mirrored unchanged — there is nothing to break later. Both
// address-space locks are held for the duration, parent first, per
// spec.md §5's lock-ordering rule. Component E; grounded on
// original_source/os/vm.c's mm_copy.
func ForkCOW(old, new *AddressSpace) defs.Err_t {
	old.LockPmap()
	defer old.UnlockPmap()
	new.LockPmap()
	defer new.UnlockPmap()

	for v := old.vmas; v != nil; v = v.next {
		nv := vmaPool.Get()
		*nv = VMA{Start: v.Start, End: v.End, Perms: v.Perms, owner: new}

		if err := forkVMAPages(old, new, v, nv); err != 0 {
			unwindChildVMAs(new)
			vmaPool.Put(nv)
			return err
		}
		new.link(nv)
	}
	return 0
}

// forkVMAPages mirrors one VMA's pages into the child. On failure it
// rolls back only this VMA's already-processed pages (undoing the
// child PTE and the refcount bump); it does not attempt to restore the
// W bit it may have already cleared on the parent's side for earlier
// pages in this same VMA, since the CoW resolver's reuse-in-place path
// (refcount back down to 1) hands write access straight back on the
// next fault.
func forkVMAPages(old, new *AddressSpace, oldvma, newvma *VMA) defs.Err_t {
	for va := oldvma.Start; va < oldvma.End; va += physmem.PageSize {
		oldpte, ok := sv39.Walk(old.mem, old.root, va, false)
		if !ok || *oldpte&sv39.V == 0 {
			panic("vm: fork found an unmapped page inside a VMA")
		}

		newpte, ok := sv39.Walk(new.mem, new.root, va, true)
		if !ok {
			unwindForkedPages(old, new, oldvma.Start, va)
			return defs.ENOMEM
		}
		if *newpte&sv39.V != 0 {
			panic("vm: fork target already mapped")
		}

		pa := sv39.PTE2PA(*oldpte)
		f := oldpte.Flags() &^ sv39.V
		if f&sv39.W != 0 {
			f = f&^sv39.W | sv39.COW
			*oldpte = sv39.PA2PTE(pa) | f | sv39.V
		}
		*newpte = sv39.PA2PTE(pa) | f | sv39.V
		old.mem.RefInc(pa)
	}
	pages := int((oldvma.End - oldvma.Start) / physmem.PageSize)
	old.TLBFence(oldvma.Start, pages)
	return 0
}

// unwindForkedPages undoes the child-side effects of forkVMAPages for
// [start, upto) after a later page failed.
func unwindForkedPages(old, new *AddressSpace, start, upto uintptr) {
	for va := start; va < upto; va += physmem.PageSize {
		newpte, ok := sv39.Walk(new.mem, new.root, va, false)
		if !ok || *newpte&sv39.V == 0 {
			continue
		}
		pa := sv39.PTE2PA(*newpte)
		old.mem.RefDec(pa)
		*newpte = 0
	}
}

// unwindChildVMAs tears down whatever VMAs ForkCOW had already linked
// into new before a later VMA failed.
func unwindChildVMAs(new *AddressSpace) {
	for v := new.vmas; v != nil; {
		next := v.next
		unmapVMARange(new, v)
		vmaPool.Put(v)
		v = next
	}
	new.vmas = nil
}
