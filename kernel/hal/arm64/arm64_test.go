package arm64

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
	in := hal.FlagPresent | hal.FlagWrite | hal.FlagUser | hal.FlagExec
	raw := encodeFlags(in) | Descriptor.PresentBit
	out := decodeFlags(raw)
	require.Equal(t, in, out)
}

func TestEncodeFlagsSetsXNWhenNotExecutable(t *testing.T) {
	raw := encodeFlags(hal.FlagPresent | hal.FlagWrite)
	require.NotZero(t, raw&(pePXN|peUXN))
}

func TestMapQueryUnmapRoundTrip(t *testing.T) {
	b, a := newBackend(t)
	space := b.MMUCreateSpace()
	require.NotEqual(t, hal.InvalidSpace, space)

	p := a.AllocFrame()
	v := mem.Vaddr(0x10000)

	require.True(t, b.MMUMap(space, v, p, hal.FlagPresent|hal.FlagWrite|hal.FlagUser))

	got, flags, ok := b.MMUQuery(space, v)
	require.True(t, ok)
	require.Equal(t, p, got)
	require.NotZero(t, flags&hal.FlagWrite)
	require.NotZero(t, flags&hal.FlagUser)

	old := b.MMUUnmap(space, v)
	require.Equal(t, p, old)

	_, _, ok = b.MMUQuery(space, v)
	require.False(t, ok)
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
	require.Zero(t, srcFlags&hal.FlagWrite)
	require.NotZero(t, srcFlags&hal.FlagCOW)

	childFrame, childFlags, ok := b.MMUQuery(child, uv)
	require.True(t, ok)
	require.Equal(t, up, childFrame)
	require.Zero(t, childFlags&hal.FlagWrite)
	require.Equal(t, uint16(2), a.RefCount(up))
}

func TestDecodeESRDataAbortFromEL0(t *testing.T) {
	const ec = uint64(escClassDataAbortLowerEL) << 26
	const iss = uint64(escWnR) | 0x0c // write, permission fault
	info := decodeESR(mem.Vaddr(0x4000), ec|iss)

	require.True(t, info.IsUser)
	require.True(t, info.IsWrite)
	require.True(t, info.IsPresent)
	require.False(t, info.IsExec)
}

func TestDecodeESRInstructionAbort(t *testing.T) {
	const ec = uint64(escClassInstrAbortSameEL) << 26
	info := decodeESR(mem.Vaddr(0x5000), ec)

	require.True(t, info.IsExec)
	require.False(t, info.IsUser)
	require.False(t, info.IsWrite)
}
