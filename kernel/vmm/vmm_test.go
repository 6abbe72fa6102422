package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hosttest"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
	"github.com/talon-os/talon/kernel/sync"
)

// mockHAL is a software-only hal.HAL that keeps each space's mappings in a
// Go map, just enough surface to exercise vmm's dispatch logic without a
// real MMU. It takes roots from, and routes leaf teardown through, the real
// pmm.Allocator so DestroySpace's refcount accounting is exercised the same
// way the real backends exercise it.
type mockHAL struct {
	alloc    *pmm.Allocator
	spaces   map[hal.AddrSpace]map[mem.Vaddr]entry
	nextRoot mem.Paddr

	master       hal.AddrSpace
	masterSet    bool
	current      hal.AddrSpace
	flushAllCount int
}

type entry struct {
	paddr mem.Paddr
	flags hal.PageFlags
}

func newMockHAL(alloc *pmm.Allocator) *mockHAL {
	return &mockHAL{alloc: alloc, spaces: make(map[hal.AddrSpace]map[mem.Vaddr]entry), nextRoot: 0x10000}
}

func (h *mockHAL) CPUInit()                 {}
func (h *mockHAL) CPUID() uint32            { return 0 }
func (h *mockHAL) CPUHalt()                 {}
func (h *mockHAL) CPUInitialized() bool     { return true }
func (h *mockHAL) InterruptInit()           {}
func (h *mockHAL) InterruptRegister(uint8, hal.IRQHandlerFn, interface{}) {}
func (h *mockHAL) InterruptMask(uint8)       {}
func (h *mockHAL) InterruptUnmask(uint8)     {}
func (h *mockHAL) InterruptEnable()         {}
func (h *mockHAL) InterruptDisable()        {}
func (h *mockHAL) InterruptSave() sync.IRQToken      { return 0 }
func (h *mockHAL) InterruptRestore(sync.IRQToken)    {}
func (h *mockHAL) InterruptEOI(uint8)                {}
func (h *mockHAL) InterruptInitialized() bool        { return true }

func (h *mockHAL) MMUInit() {}

func (h *mockHAL) MMUMap(space hal.AddrSpace, v mem.Vaddr, p mem.Paddr, flags hal.PageFlags) bool {
	h.spaces[space][v] = entry{paddr: p, flags: flags}
	return true
}

func (h *mockHAL) MMUUnmap(space hal.AddrSpace, v mem.Vaddr) mem.Paddr {
	e, ok := h.spaces[space][v]
	if !ok {
		return mem.InvalidPaddr
	}
	delete(h.spaces[space], v)
	return e.paddr
}

func (h *mockHAL) MMUQuery(space hal.AddrSpace, v mem.Vaddr) (mem.Paddr, hal.PageFlags, bool) {
	e, ok := h.spaces[space][v]
	if !ok {
		return mem.InvalidPaddr, 0, false
	}
	return e.paddr, e.flags, true
}

func (h *mockHAL) MMUProtect(space hal.AddrSpace, v mem.Vaddr, set, clear hal.PageFlags) {
	e := h.spaces[space][v]
	e.flags |= set
	e.flags &^= clear
	h.spaces[space][v] = e
}

func (h *mockHAL) MMUFlushTLB(mem.Vaddr) {}
func (h *mockHAL) MMUFlushTLBAll()       { h.flushAllCount++ }

func (h *mockHAL) MMUCreateSpace() hal.AddrSpace {
	var root hal.AddrSpace
	if h.alloc != nil {
		root = hal.AddrSpace(h.alloc.AllocFrame())
	} else {
		root = hal.AddrSpace(h.nextRoot)
		h.nextRoot += mem.Paddr(mem.PageSize)
	}
	h.spaces[root] = make(map[mem.Vaddr]entry)

	if !h.masterSet {
		h.master = root
		h.masterSet = true
		return root
	}
	for v, e := range h.spaces[h.master] {
		if v >= KernelBase {
			h.spaces[root][v] = e
		}
	}
	return root
}

func (h *mockHAL) MMUCloneSpace(src hal.AddrSpace) hal.AddrSpace {
	child := h.MMUCreateSpace()
	for v, e := range h.spaces[src] {
		if v >= KernelBase {
			continue // already seeded from master by MMUCreateSpace
		}
		if e.flags&hal.FlagWrite != 0 {
			e.flags = e.flags&^hal.FlagWrite | hal.FlagCOW
			h.spaces[src][v] = e
		}
		if h.alloc != nil {
			h.alloc.RefInc(e.paddr)
		}
		h.spaces[child][v] = e
	}
	return child
}

// MMUDestroySpace frees every user-half leaf through the real allocator's
// refcount machinery (mirroring the production backends) and drops the
// space's map entirely.
func (h *mockHAL) MMUDestroySpace(s hal.AddrSpace) {
	for v, e := range h.spaces[s] {
		if v >= KernelBase {
			continue
		}
		if h.alloc == nil {
			continue
		}
		if rc, err := h.alloc.RefDec(e.paddr); err == nil && rc == 0 {
			h.alloc.FreeFrame(e.paddr)
		}
	}
	delete(h.spaces, s)
}

func (h *mockHAL) MMUSwitchSpace(s hal.AddrSpace)   { h.current = s }
func (h *mockHAL) MMUIsCurrentSpace(s hal.AddrSpace) bool {
	return s == hal.CurrentSpace || s == h.current
}
func (h *mockHAL) MMUParseFault(*hal.PageFaultInfo) {}
func (h *mockHAL) MMUInitialized() bool             { return true }

func (h *mockHAL) TimerInit(uint32, hal.TimerCallback) {}
func (h *mockHAL) TimerGetTicks() uint64               { return 0 }
func (h *mockHAL) TimerGetFrequency() uint32           { return 0 }
func (h *mockHAL) SyscallInit(func())                  {}
func (h *mockHAL) EnterUsermode(mem.Vaddr, mem.Vaddr)  {}
func (h *mockHAL) MemoryBarrier()                      {}
func (h *mockHAL) ReadBarrier()                        {}
func (h *mockHAL) WriteBarrier()                       {}
func (h *mockHAL) InstructionBarrier()                 {}
func (h *mockHAL) MMIORead8(uintptr) uint8             { return 0 }
func (h *mockHAL) MMIORead16(uintptr) uint16           { return 0 }
func (h *mockHAL) MMIORead32(uintptr) uint32           { return 0 }
func (h *mockHAL) MMIORead64(uintptr) uint64           { return 0 }
func (h *mockHAL) MMIOWrite8(uintptr, uint8)           {}
func (h *mockHAL) MMIOWrite16(uintptr, uint16)         {}
func (h *mockHAL) MMIOWrite32(uintptr, uint32)         {}
func (h *mockHAL) MMIOWrite64(uintptr, uint64)         {}

func setupTest(t *testing.T) *pmm.Allocator {
	t.Helper()

	arena, err := hosttest.NewArena(64 * mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	pmm.SetLinearMapFn(arena.Linear)

	var a pmm.Allocator
	a.Init(0, 64)

	hal.Active = newMockHAL(&a)

	require.NoError(t, Init(&a))
	return &a
}

func TestCreateAndDestroySpace(t *testing.T) {
	setupTest(t)

	s := CreateSpace()
	require.NotEqual(t, hal.InvalidSpace, s)
	require.NoError(t, DestroySpace(s))
}

func TestDestroyMasterSpaceRefused(t *testing.T) {
	setupTest(t)

	err := DestroySpace(masterKernelSpace)
	require.Error(t, err)
}

func TestDestroySpaceFreesLeafExactlyOnce(t *testing.T) {
	a := setupTest(t)

	s := CreateSpace()
	v := mem.Vaddr(0x7000)
	p := a.AllocFrame()
	require.NoError(t, MapPage(s, v, p, hal.FlagPresent|hal.FlagWrite))

	// The leaf and the space's root frame both return to the free pool.
	before := a.GetInfo().FreeFrames
	require.NoError(t, DestroySpace(s))
	require.Equal(t, before+2, a.GetInfo().FreeFrames)

	require.Error(t, a.FreeFrame(p), "a frame DestroySpace already freed must not free again")
}

func TestDestroySpaceKeepsSharedLeafAlive(t *testing.T) {
	a := setupTest(t)

	parent := CreateSpace()
	v := mem.Vaddr(0x7000)
	p := a.AllocFrame()
	require.NoError(t, a.RefInc(p)) // refcount 2, as MMUCloneSpace would leave it
	require.NoError(t, MapPage(parent, v, p, hal.FlagPresent|hal.FlagCOW))

	child, err := CloneSpace(parent)
	require.NoError(t, err)

	require.NoError(t, DestroySpace(child))
	require.NoError(t, a.FreeFrame(p), "the parent's reference must keep the shared frame alive")
}

func TestCloneSpaceFlushesTLBWhenSrcIsCurrent(t *testing.T) {
	setupTest(t)

	parent := CreateSpace()
	hal.Active.MMUSwitchSpace(parent)

	before := hal.Active.(*mockHAL).flushAllCount
	_, err := CloneSpace(parent)
	require.NoError(t, err)
	require.Greater(t, hal.Active.(*mockHAL).flushAllCount, before)
}

func TestCloneSpaceSkipsTLBFlushWhenSrcNotCurrent(t *testing.T) {
	setupTest(t)

	parent := CreateSpace()
	other := CreateSpace()
	hal.Active.MMUSwitchSpace(other)

	before := hal.Active.(*mockHAL).flushAllCount
	_, err := CloneSpace(parent)
	require.NoError(t, err)
	require.Equal(t, before, hal.Active.(*mockHAL).flushAllCount)
}

func TestMapUnmapQuery(t *testing.T) {
	setupTest(t)

	s := CreateSpace()
	v := mem.Vaddr(0x1000)
	p := mem.Paddr(0x2000)

	require.NoError(t, MapPage(s, v, p, hal.FlagPresent|hal.FlagWrite))

	gotP, _, ok := Query(s, v)
	require.True(t, ok)
	require.Equal(t, p, gotP)

	old := UnmapPage(s, v)
	require.Equal(t, p, old)

	_, _, ok = Query(s, v)
	require.False(t, ok)
}

func TestCOWFaultRefcountGreaterThanOne(t *testing.T) {
	a := setupTest(t)

	parent := CreateSpace()
	v := mem.Vaddr(0x3000)
	p := a.AllocFrame()
	require.NoError(t, a.RefInc(p)) // refcount now 2

	require.NoError(t, MapPage(parent, v, p, hal.FlagPresent|hal.FlagCOW))

	outcome := HandleFault(parent, &hal.PageFaultInfo{FaultAddr: v, IsPresent: true, IsWrite: true})
	require.Equal(t, FaultResumed, outcome)

	newP, flags, ok := Query(parent, v)
	require.True(t, ok)
	require.NotEqual(t, p, newP)
	require.True(t, flags&hal.FlagWrite != 0)
	require.True(t, flags&hal.FlagCOW == 0)
}

func TestCOWFaultRefcountOne(t *testing.T) {
	a := setupTest(t)

	space := CreateSpace()
	v := mem.Vaddr(0x4000)
	p := a.AllocFrame() // refcount 1

	require.NoError(t, MapPage(space, v, p, hal.FlagPresent|hal.FlagCOW))

	outcome := HandleFault(space, &hal.PageFaultInfo{FaultAddr: v, IsPresent: true, IsWrite: true})
	require.Equal(t, FaultResumed, outcome)

	newP, flags, ok := Query(space, v)
	require.True(t, ok)
	require.Equal(t, p, newP) // reclaimed in place, no copy
	require.True(t, flags&hal.FlagWrite != 0)
}

func TestFatalUserFault(t *testing.T) {
	setupTest(t)

	space := CreateSpace()
	outcome := HandleFault(space, &hal.PageFaultInfo{FaultAddr: mem.Vaddr(0x5000), IsPresent: false, IsUser: true})
	require.Equal(t, FaultFatal, outcome)
}

func TestKernelFaultLazySync(t *testing.T) {
	setupTest(t)

	child := CreateSpace()

	kv := KernelBase + mem.Vaddr(0x1000)
	require.NoError(t, MapPage(masterKernelSpace, kv, mem.Paddr(0x9000), hal.FlagPresent|hal.FlagWrite))

	outcome := HandleFault(child, &hal.PageFaultInfo{FaultAddr: kv, IsUser: false})
	require.Equal(t, FaultResumed, outcome)

	p, _, ok := Query(child, kv)
	require.True(t, ok)
	require.Equal(t, mem.Paddr(0x9000), p)
}
