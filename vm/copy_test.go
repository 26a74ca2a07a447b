package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sv39vm/defs"
	"sv39vm/sv39"
)

func TestCopyFromUserReadsAcrossPages(t *testing.T) {
	mem := newTestMem(t, 32)
	as := newTestAS(t, mem)
	_, errno := CreateVMA(as, 0x10000, 0x12000, sv39.R|sv39.W)
	require.Zero(t, errno)

	pa0, _ := sv39.WalkAddr(mem, as.root, 0x10000)
	pa1, _ := sv39.WalkAddr(mem, as.root, 0x11000)
	mem.Frame(pa0)[4000] = 0xaa
	mem.Frame(pa1)[0] = 0xbb

	dst := make([]byte, 200)
	errno = CopyFromUser(as, dst, 0x10000+4000)
	require.Zero(t, errno)
	require.Equal(t, byte(0xaa), dst[0])
	require.Equal(t, byte(0xbb), dst[96])
}

func TestCopyFromUserRejectsUnmapped(t *testing.T) {
	mem := newTestMem(t, 32)
	as := newTestAS(t, mem)
	errno := CopyFromUser(as, make([]byte, 8), 0x90000)
	require.Equal(t, defs.EFAULT, errno)
}

// TestCopyToUserBreaksSharedCOW reproduces cowtest.c's test3: the
// kernel writing into a process's CoW-shared page must break the
// sharing exactly like a store fault would, leaving the other sharer
// untouched.
func TestCopyToUserBreaksSharedCOW(t *testing.T) {
	mem := newTestMem(t, 32)
	parent := newTestAS(t, mem)
	child := newTestAS(t, mem)
	_, errno := CreateVMA(parent, 0x40000, 0x41000, sv39.R|sv39.W)
	require.Zero(t, errno)

	parentPA, _ := sv39.WalkAddr(mem, parent.root, 0x40000)
	mem.Frame(parentPA)[0] = 'A'

	require.Zero(t, ForkCOW(parent, child))
	require.EqualValues(t, 2, mem.RefGet(parentPA))

	errno = CopyToUser(child, 0x40000, []byte("Z"))
	require.Zero(t, errno)

	childPA, _ := sv39.WalkAddr(mem, child.root, 0x40000)
	require.NotEqual(t, parentPA, childPA)
	require.Equal(t, byte('Z'), mem.Frame(childPA)[0])
	require.Equal(t, byte('A'), mem.Frame(parentPA)[0], "parent's page must be unaffected by the child-side write")
	require.EqualValues(t, 1, mem.RefGet(parentPA))
	require.EqualValues(t, 1, mem.RefGet(childPA))
}

// TestCopyToUserReadOnlyStaysReadOnly reproduces the other half of
// cowtest.c's test3: a mapping that was never writable must keep
// rejecting writes after a fork, not be mistaken for a CoW candidate.
func TestCopyToUserReadOnlyStaysReadOnly(t *testing.T) {
	mem := newTestMem(t, 32)
	parent := newTestAS(t, mem)
	child := newTestAS(t, mem)
	_, errno := CreateVMA(parent, 0x50000, 0x51000, sv39.R)
	require.Zero(t, errno)
	pte, _ := sv39.Walk(mem, parent.root, 0x50000, false)
	*pte &^= sv39.W

	require.Zero(t, ForkCOW(parent, child))

	errno = CopyToUser(child, 0x50000, []byte("x"))
	require.Equal(t, defs.EPERM, errno)
	errno = CopyToUser(parent, 0x50000, []byte("x"))
	require.Equal(t, defs.EPERM, errno)
}

func TestCopyToUserCrossesPageBoundary(t *testing.T) {
	mem := newTestMem(t, 32)
	as := newTestAS(t, mem)
	_, errno := CreateVMA(as, 0x60000, 0x62000, sv39.R|sv39.W)
	require.Zero(t, errno)

	buf := make([]byte, 10)
	for i := range buf {
		buf[i] = byte(i)
	}
	errno = CopyToUser(as, 0x60000+4090, buf)
	require.Zero(t, errno)

	pa0, _ := sv39.WalkAddr(mem, as.root, 0x60000)
	pa1, _ := sv39.WalkAddr(mem, as.root, 0x61000)
	require.Equal(t, buf[:6], mem.Frame(pa0)[4090:4096])
	require.Equal(t, buf[6:], mem.Frame(pa1)[0:4])
}

// TestCopyRoundTripSurvivesCOW exercises spec.md §8's round-trip
// property on both a plain writable page and one still marked CoW.
func TestCopyRoundTripSurvivesCOW(t *testing.T) {
	mem := newTestMem(t, 32)
	parent := newTestAS(t, mem)
	_, errno := CreateVMA(parent, 0x70000, 0x71000, sv39.R|sv39.W)
	require.Zero(t, errno)

	want := []byte("round-trip")
	require.Zero(t, CopyToUser(parent, 0x70000, want))
	got := make([]byte, len(want))
	require.Zero(t, CopyFromUser(parent, got, 0x70000))
	require.Equal(t, want, got)

	child := newTestAS(t, mem)
	require.Zero(t, ForkCOW(parent, child))

	want2 := []byte("after-fork")
	require.Zero(t, CopyToUser(child, 0x70000, want2))
	got2 := make([]byte, len(want2))
	require.Zero(t, CopyFromUser(child, got2, 0x70000))
	require.Equal(t, want2, got2)

	// The CoW break on the child side must not have disturbed the
	// parent's original content.
	gotParent := make([]byte, len(want))
	require.Zero(t, CopyFromUser(parent, gotParent, 0x70000))
	require.Equal(t, want, gotParent)
}
