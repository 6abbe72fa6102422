package amd64

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

func TestEncodeDecodeFlagsRoundTrip(t *testing.T) {
	in := hal.FlagPresent | hal.FlagWrite | hal.FlagUser | hal.FlagExec | hal.FlagCOW
	raw := encodeFlags(in) | Descriptor.PresentBit
	out := decodeFlags(raw)
	require.Equal(t, in, out)
}

func TestEncodeFlagsSetsNXWhenNotExecutable(t *testing.T) {
	raw := encodeFlags(hal.FlagPresent | hal.FlagWrite)
	require.NotZero(t, raw&peNX)
	out := decodeFlags(raw | Descriptor.PresentBit)
	require.Zero(t, out&hal.FlagExec)
}

func TestMapQueryUnmapRoundTrip(t *testing.T) {
	b, a := newBackend(t)
	space := b.MMUCreateSpace()
	require.NotEqual(t, hal.InvalidSpace, space)

	p := a.AllocFrame()
	v := mem.Vaddr(0x0000123456000)

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

func TestMMUProtectClearsWrite(t *testing.T) {
	b, a := newBackend(t)
	space := b.MMUCreateSpace()
	p := a.AllocFrame()
	v := mem.Vaddr(0x4000)

	require.True(t, b.MMUMap(space, v, p, hal.FlagPresent|hal.FlagWrite))
	b.MMUProtect(space, v, hal.FlagCOW, hal.FlagWrite)

	_, flags, ok := b.MMUQuery(space, v)
	require.True(t, ok)
	require.Zero(t, flags&hal.FlagWrite)
	require.NotZero(t, flags&hal.FlagCOW)
}

func TestMMUCloneSpaceSharesKernelHalfVerbatim(t *testing.T) {
	b, a := newBackend(t)
	src := b.MMUCreateSpace()

	kv := mem.Vaddr(uint64(kernelPML4Start) << 39)
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

	uv := mem.Vaddr(0x8000)
	up := a.AllocFrame()
	require.True(t, b.MMUMap(src, uv, up, hal.FlagPresent|hal.FlagWrite|hal.FlagUser))

	child := b.MMUCloneSpace(src)
	require.NotEqual(t, hal.InvalidSpace, child)

	_, srcFlags, ok := b.MMUQuery(src, uv)
	require.True(t, ok)
	require.Zero(t, srcFlags&hal.FlagWrite, "cloning must revoke write on the parent's own mapping too")
	require.NotZero(t, srcFlags&hal.FlagCOW)

	childFrame, childFlags, ok := b.MMUQuery(child, uv)
	require.True(t, ok)
	require.Equal(t, up, childFrame)
	require.Zero(t, childFlags&hal.FlagWrite)
	require.NotZero(t, childFlags&hal.FlagCOW)

	require.Equal(t, uint16(2), a.RefCount(up))
}

func TestDecodeFaultErrorCode(t *testing.T) {
	info := decodeFaultErrorCode(mem.Vaddr(0x9000), pfPresent|pfWrite|pfUser)
	require.True(t, info.IsPresent)
	require.True(t, info.IsWrite)
	require.True(t, info.IsUser)
	require.False(t, info.IsExec)
	require.Equal(t, mem.Vaddr(0x9000), info.FaultAddr)
}
