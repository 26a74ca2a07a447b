package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sv39vm/defs"
	"sv39vm/physmem"
	"sv39vm/sv39"
)

func newTestMem(t *testing.T, n int) *physmem.Physmem {
	t.Helper()
	m, err := physmem.New(n)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

// newTestAS builds an AddressSpace with its mandatory trampoline and
// trapframe pages backed by two frames taken directly off the
// allocator (standing in for the caller-supplied kernel text page and
// per-process trapframe spec.md treats as external inputs).
func newTestAS(t *testing.T, mem *physmem.Physmem) *AddressSpace {
	t.Helper()
	trampoline, ok := mem.AllocPage()
	require.True(t, ok)
	trapframe, ok := mem.AllocPage()
	require.True(t, ok)

	as, errno := NewAddressSpace(mem, trampoline, trapframe)
	require.Zero(t, errno)
	t.Cleanup(func() { Destroy(as) })
	return as
}

func TestNewAddressSpaceMapsTrampolineAndTrapframe(t *testing.T) {
	mem := newTestMem(t, 16)
	as := newTestAS(t, mem)

	_, ok := sv39.WalkAddr(mem, as.root, TrampolineVA)
	require.True(t, ok)
	_, ok = sv39.WalkAddr(mem, as.root, TrapframeVA)
	require.True(t, ok)
}

func TestCreateVMARejectsOverlapAndAdjacencyIsFine(t *testing.T) {
	mem := newTestMem(t, 64)
	as := newTestAS(t, mem)

	v1, errno := CreateVMA(as, 0x10000, 0x13000, sv39.R|sv39.W)
	require.Zero(t, errno)
	require.NotNil(t, v1)

	_, errno = CreateVMA(as, 0x12000, 0x14000, sv39.R|sv39.W)
	require.Equal(t, defs.EINVAL, errno)

	v2, errno := CreateVMA(as, 0x13000, 0x15000, sv39.R|sv39.W)
	require.Zero(t, errno, "exactly-adjacent ranges must not be rejected as overlapping")
	require.NotNil(t, v2)
}

func TestCreateVMAPagesAreSinglyReferencedAndZeroed(t *testing.T) {
	mem := newTestMem(t, 64)
	as := newTestAS(t, mem)

	vma, errno := CreateVMA(as, 0x20000, 0x23000, sv39.R|sv39.W)
	require.Zero(t, errno)

	for va := vma.Start; va < vma.End; va += physmem.PageSize {
		pa, ok := sv39.WalkAddr(mem, as.root, va)
		require.True(t, ok)
		require.EqualValues(t, 1, mem.RefGet(pa))
		for _, b := range mem.Frame(pa) {
			require.Zero(t, b)
		}
	}
}

func TestRemapGrowsWithoutTouchingExistingPages(t *testing.T) {
	mem := newTestMem(t, 64)
	as := newTestAS(t, mem)

	vma, errno := CreateVMA(as, 0x30000, 0x31000, sv39.R|sv39.W)
	require.Zero(t, errno)

	pa, ok := sv39.WalkAddr(mem, as.root, 0x30000)
	require.True(t, ok)
	mem.Frame(pa)[0] = 0x42

	errno = Remap(vma, 0x30000, 0x33000, sv39.R|sv39.W)
	require.Zero(t, errno)
	require.EqualValues(t, 0x33000, vma.End)

	require.Equal(t, byte(0x42), mem.Frame(pa)[0], "growth must not disturb pre-existing pages")

	_, ok = sv39.WalkAddr(mem, as.root, 0x31000)
	require.True(t, ok, "newly covered page must be mapped")
	_, ok = sv39.WalkAddr(mem, as.root, 0x32000)
	require.True(t, ok)
}

func TestRemapRejectsUnsupportedShapes(t *testing.T) {
	mem := newTestMem(t, 64)
	as := newTestAS(t, mem)
	vma, _ := CreateVMA(as, 0x40000, 0x41000, sv39.R|sv39.W)

	require.Panics(t, func() { Remap(vma, 0x40000, 0x40000, sv39.R|sv39.W) })
	require.Panics(t, func() { Remap(vma, 0x3f000, 0x42000, sv39.R|sv39.W) })
	require.Panics(t, func() { Remap(vma, 0x40000, 0x42000, sv39.R) })
}

func TestFindVMAExactStartOnly(t *testing.T) {
	mem := newTestMem(t, 64)
	as := newTestAS(t, mem)
	vma, _ := CreateVMA(as, 0x50000, 0x52000, sv39.R|sv39.W)

	require.Same(t, vma, FindVMA(as, 0x50000))
	require.Nil(t, FindVMA(as, 0x51000), "a VA inside the VMA but not at its start is not found")
}

func TestDestroyFreesAllPagesButNotTrampolineFrames(t *testing.T) {
	mem := newTestMem(t, 64)
	trampoline, _ := mem.AllocPage()
	trapframe, _ := mem.AllocPage()
	as, errno := NewAddressSpace(mem, trampoline, trapframe)
	require.Zero(t, errno)

	_, errno = CreateVMA(as, 0x60000, 0x63000, sv39.R|sv39.W)
	require.Zero(t, errno)

	before := mem.FreeCount()
	Destroy(as)
	require.Greater(t, mem.FreeCount(), before)

	require.EqualValues(t, 0, mem.RefGet(trampoline), "trampoline frame is kernel-owned, never refcounted")
	require.EqualValues(t, 0, mem.RefGet(trapframe))
}
