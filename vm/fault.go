package vm

import (
	"sv39vm/defs"
	"sv39vm/physmem"
	"sv39vm/sv39"
)

// FaultResult classifies the outcome of a page-fault resolution
// attempt. The process/task machinery that would act on a fatal fault
// (killing the current task) is out of scope (spec.md §6); callers get
// a typed result back instead and decide what to do with it.
type FaultResult int

const (
	// FaultResolved means the faulting instruction may be retried; the
	// mapping now permits the access that trapped.
	FaultResolved FaultResult = iota
	// FaultSpurious means the PTE already permitted the access; no
	// state changed. Retrying is safe and will simply succeed.
	FaultSpurious
	// FaultFatal means the access is illegal: unmapped, wrong
	// privilege level, or genuinely read-only. The caller should treat
	// this like original_source/os/vm.c's kill_current(-1).
	FaultFatal
	// FaultOOM means the access was a legitimate CoW break but no free
	// frame was available to service it.
	FaultOOM
)

// ResolveFault implements component F: it decides whether va's fault
// is spurious, fatal, or a copy-on-write break, and performs the break
// if so. Mirrors Sys_pgfault's disambiguation logic
// (biscuit/src/vm/as.go) and original_source/os/vm.c's page_fault
// handler. Only store faults can legitimately require a CoW break;
// load faults against a present, user-readable page are accepted as
// spurious.
func ResolveFault(as *AddressSpace, va uintptr, isStore bool) (FaultResult, defs.Err_t) {
	as.LockPmap()
	defer as.UnlockPmap()

	pva := pageBase(va)
	pte, ok := sv39.Walk(as.mem, as.root, pva, false)
	if !ok || *pte&sv39.V == 0 || *pte&sv39.U == 0 {
		return FaultFatal, defs.EFAULT
	}
	if !isStore {
		return FaultSpurious, 0
	}
	if *pte&sv39.W != 0 {
		return FaultSpurious, 0
	}
	if *pte&sv39.COW == 0 {
		return FaultFatal, defs.EFAULT
	}

	if !breakCOW(as.mem, pte) {
		return FaultOOM, defs.ENOMEM
	}
	as.TLBFence(pva, 1)
	return FaultResolved, 0
}

// breakCOW performs the CoW-break sub-procedure spec.md §4.F step 4
// describes, shared between ResolveFault and CopyToUser: if the frame
// is solely owned, it is simply handed back write access in place; if
// shared, a fresh frame is allocated, the contents copied, and the PTE
// rewired to the copy. pte must already be known to carry the COW bit.
// Returns false if a new frame was needed but none was available.
func breakCOW(mem *physmem.Physmem, pte *sv39.PTE) bool {
	pa := sv39.PTE2PA(*pte)
	flags := pte.Flags()&^sv39.COW | sv39.W

	if mem.RefGet(pa) == 1 {
		*pte = sv39.PA2PTE(pa) | flags
		return true
	}

	newpa, ok := mem.AllocPageNoZero()
	if !ok {
		return false
	}
	copy(mem.Frame(newpa), mem.Frame(pa))
	*pte = sv39.PA2PTE(newpa) | flags
	mem.RefInc(newpa)
	mem.RefDec(pa)
	return true
}
