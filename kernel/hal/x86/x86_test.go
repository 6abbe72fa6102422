package x86

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hosttest"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
)

func newBackend(t *testing.T) (*Backend, *pmm.Allocator) {
	t.Helper()

	arena, err := hosttest.NewArena(256 * mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	pmm.SetLinearMapFn(arena.Linear)

	var a pmm.Allocator
	a.Init(0, 256)
	return New(&a, arena.Linear), &a
}

func TestDecodeFlagsAlwaysExecutable(t *testing.T) {
	out := decodeFlags(encodeFlags(hal.FlagWrite) | Descriptor.PresentBit)
	require.NotZero(t, out&hal.FlagExec, "non-PAE x86 has no NX bit; every mapping is executable")
}

func TestMapQueryUnmapRoundTrip(t *testing.T) {
	b, a := newBackend(t)
	space := b.MMUCreateSpace()
	require.NotEqual(t, hal.InvalidSpace, space)

	p := a.AllocFrame()
	v := mem.Vaddr(0x500000)

	require.True(t, b.MMUMap(space, v, p, hal.FlagPresent|hal.FlagWrite))

	got, flags, ok := b.MMUQuery(space, v)
	require.True(t, ok)
	require.Equal(t, p, got)
	require.NotZero(t, flags&hal.FlagWrite)

	old := b.MMUUnmap(space, v)
	require.Equal(t, p, old)

	_, _, ok = b.MMUQuery(space, v)
	require.False(t, ok)
}

func TestMMUCloneSpaceSharesKernelHalfVerbatim(t *testing.T) {
	b, a := newBackend(t)
	src := b.MMUCreateSpace()

	kv := mem.Vaddr(uint64(kernelPDStart) << 22)
	kp := a.AllocFrame()
	require.True(t, b.MMUMap(src, kv, kp, hal.FlagPresent|hal.FlagWrite))

	child := b.MMUCloneSpace(src)
	require.NotEqual(t, hal.InvalidSpace, child)

	got, flags, ok := b.MMUQuery(child, kv)
	require.True(t, ok)
	require.Equal(t, kp, got)
	require.NotZero(t, flags&hal.FlagWrite)
}

func TestMMUCloneSpaceMakesUserMappingsCOW(t *testing.T) {
	b, a := newBackend(t)
	src := b.MMUCreateSpace()

	uv := mem.Vaddr(0x9000)
	up := a.AllocFrame()
	require.True(t, b.MMUMap(src, uv, up, hal.FlagPresent|hal.FlagWrite|hal.FlagUser))

	child := b.MMUCloneSpace(src)
	require.NotEqual(t, hal.InvalidSpace, child)

	_, srcFlags, ok := b.MMUQuery(src, uv)
	require.True(t, ok)
	require.Zero(t, srcFlags&hal.FlagWrite)
	require.NotZero(t, srcFlags&hal.FlagCOW)

	childFrame, _, ok := b.MMUQuery(child, uv)
	require.True(t, ok)
	require.Equal(t, up, childFrame)
	require.Equal(t, uint16(2), a.RefCount(up))
}

func TestDecodeFaultErrorCode(t *testing.T) {
	info := decodeFaultErrorCode(mem.Vaddr(0x3000), pfPresent|pfUser)
	require.True(t, info.IsPresent)
	require.True(t, info.IsUser)
	require.False(t, info.IsWrite)
	require.False(t, info.IsExec)
}
