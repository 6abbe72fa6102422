package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hosttest"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
	"github.com/talon-os/talon/kernel/sync"
	"github.com/talon-os/talon/kernel/task"
	"github.com/talon-os/talon/kernel/vmm"
)

type stubHAL struct {
	parsedFault hal.PageFaultInfo
	halted      bool

	// The most recent MMUMap, reported back by MMUQuery.
	mappedV     mem.Vaddr
	mappedP     mem.Paddr
	mappedFlags hal.PageFlags
	hasMapping  bool
}

func (h *stubHAL) CPUInit()             {}
func (h *stubHAL) CPUID() uint32        { return 0 }
func (h *stubHAL) CPUHalt()             { h.halted = true }
func (h *stubHAL) CPUInitialized() bool { return true }

func (h *stubHAL) InterruptInit()                                        {}
func (h *stubHAL) InterruptRegister(uint8, hal.IRQHandlerFn, interface{}) {}
func (h *stubHAL) InterruptMask(uint8)                                   {}
func (h *stubHAL) InterruptUnmask(uint8)                                 {}
func (h *stubHAL) InterruptEnable()                                      {}
func (h *stubHAL) InterruptDisable()                                     {}
func (h *stubHAL) InterruptSave() sync.IRQToken                          { return 0 }
func (h *stubHAL) InterruptRestore(sync.IRQToken)                        {}
func (h *stubHAL) InterruptEOI(uint8)                                    {}
func (h *stubHAL) InterruptInitialized() bool                            { return true }

func (h *stubHAL) MMUInit() {}
func (h *stubHAL) MMUMap(_ hal.AddrSpace, v mem.Vaddr, p mem.Paddr, flags hal.PageFlags) bool {
	h.mappedV, h.mappedP, h.mappedFlags, h.hasMapping = v, p, flags, true
	return true
}
func (h *stubHAL) MMUUnmap(hal.AddrSpace, mem.Vaddr) mem.Paddr { return mem.InvalidPaddr }
func (h *stubHAL) MMUQuery(_ hal.AddrSpace, v mem.Vaddr) (mem.Paddr, hal.PageFlags, bool) {
	if h.hasMapping && v == h.mappedV {
		return h.mappedP, h.mappedFlags, true
	}
	return mem.InvalidPaddr, 0, false
}
func (h *stubHAL) MMUProtect(hal.AddrSpace, mem.Vaddr, hal.PageFlags, hal.PageFlags) {}
func (h *stubHAL) MMUFlushTLB(mem.Vaddr)                                            {}
func (h *stubHAL) MMUFlushTLBAll()                                                  {}
func (h *stubHAL) MMUCreateSpace() hal.AddrSpace                                    { return hal.AddrSpace(0x1000) }
func (h *stubHAL) MMUCloneSpace(hal.AddrSpace) hal.AddrSpace                        { return hal.InvalidSpace }
func (h *stubHAL) MMUDestroySpace(hal.AddrSpace)                                    {}
func (h *stubHAL) MMUSwitchSpace(hal.AddrSpace)                                     {}
func (h *stubHAL) MMUIsCurrentSpace(hal.AddrSpace) bool                             { return false }
func (h *stubHAL) MMUParseFault(out *hal.PageFaultInfo)                             { *out = h.parsedFault }
func (h *stubHAL) MMUInitialized() bool                                            { return true }

func (h *stubHAL) TimerInit(uint32, hal.TimerCallback) {}
func (h *stubHAL) TimerGetTicks() uint64               { return 0 }
func (h *stubHAL) TimerGetFrequency() uint32           { return 0 }
func (h *stubHAL) SyscallInit(func())                  {}
func (h *stubHAL) EnterUsermode(mem.Vaddr, mem.Vaddr)  {}
func (h *stubHAL) MemoryBarrier()                      {}
func (h *stubHAL) ReadBarrier()                        {}
func (h *stubHAL) WriteBarrier()                       {}
func (h *stubHAL) InstructionBarrier()                 {}
func (h *stubHAL) MMIORead8(uintptr) uint8             { return 0 }
func (h *stubHAL) MMIORead16(uintptr) uint16           { return 0 }
func (h *stubHAL) MMIORead32(uintptr) uint32           { return 0 }
func (h *stubHAL) MMIORead64(uintptr) uint64           { return 0 }
func (h *stubHAL) MMIOWrite8(uintptr, uint8)           {}
func (h *stubHAL) MMIOWrite16(uintptr, uint16)         {}
func (h *stubHAL) MMIOWrite32(uintptr, uint32)         {}
func (h *stubHAL) MMIOWrite64(uintptr, uint64)         {}

type recordingTaskHost struct {
	called    bool
	signal    int
	faultAddr mem.Vaddr
}

func (h *recordingTaskHost) CurrentTask() (task.Ref, bool) { return 1, true }

func (h *recordingTaskHost) TerminateCurrent(signal int, faultAddr mem.Vaddr) {
	h.called = true
	h.signal = signal
	h.faultAddr = faultAddr
	panic("terminate")
}

func setupVMM(t *testing.T) *pmm.Allocator {
	t.Helper()

	hal.Active = &stubHAL{}

	arena, err := hosttest.NewArena(32 * mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	pmm.SetLinearMapFn(arena.Linear)

	var a pmm.Allocator
	a.Init(0, 32)
	require.NoError(t, vmm.Init(&a))
	return &a
}

func TestHandlerSyscallWritesBackReturnValue(t *testing.T) {
	setupVMM(t)
	defer SetSyscallHandler(nil)

	SetSyscallHandler(func(no uint64, args [6]uint64) uint64 {
		require.Equal(t, uint64(42), no)
		return args[0] + args[1]
	})

	frame := &RegFrame{SyscallNo: 42, SyscallArgs: [6]uint64{3, 4}}
	Handler(frame, ClassSync, ReasonSyscall, 0)

	require.Equal(t, uint64(7), frame.GPRegs[0])
}

func TestHandlerSyscallNoHandlerReturnsAllOnes(t *testing.T) {
	setupVMM(t)

	frame := &RegFrame{SyscallNo: 1}
	Handler(frame, ClassSync, ReasonSyscall, 0)

	require.Equal(t, ^uint64(0), frame.GPRegs[0])
}

func TestHandlerIRQDispatchesToRouter(t *testing.T) {
	var gotIRQ uint8 = 255
	SetIRQDispatch(func(n uint8) { gotIRQ = n })
	defer SetIRQDispatch(func(uint8) {})

	Handler(&RegFrame{}, ClassIRQ, ReasonUnknown, 7)

	require.Equal(t, uint8(7), gotIRQ)
}

func TestHandlerAbortResolvedByVMMResumes(t *testing.T) {
	a := setupVMM(t)

	space := vmm.CreateSpace()
	v := mem.Vaddr(0x7000)
	p := a.AllocFrame()
	require.NoError(t, a.RefInc(p))
	require.NoError(t, vmm.MapPage(space, v, p, hal.FlagPresent|hal.FlagCOW))

	SetCurrentAddrSpaceFn(func() hal.AddrSpace { return space })
	defer SetCurrentAddrSpaceFn(func() hal.AddrSpace { return hal.CurrentSpace })

	hal.Active.(*stubHAL).parsedFault = hal.PageFaultInfo{
		FaultAddr: v,
		IsPresent: true,
		IsWrite:   true,
		IsUser:    true,
	}

	th := &recordingTaskHost{}
	task.SetHost(th)
	defer task.SetHost(task.Stub{})

	frame := &RegFrame{IsUser: true}
	Handler(frame, ClassSync, ReasonDataAbort, 0)

	require.False(t, th.called, "a resolvable COW fault must not terminate the task")
}

func TestHandlerAbortUserFatalTerminatesTask(t *testing.T) {
	setupVMM(t)

	th := &recordingTaskHost{}
	task.SetHost(th)
	defer task.SetHost(task.Stub{})

	hal.Active.(*stubHAL).parsedFault = hal.PageFaultInfo{
		FaultAddr: mem.Vaddr(0x6000),
		IsPresent: false,
		IsUser:    true,
	}

	frame := &RegFrame{IsUser: true}

	defer func() {
		r := recover()
		require.Equal(t, "terminate", r)
		require.True(t, th.called)
		require.Equal(t, sigSegv, th.signal)
		require.Equal(t, mem.Vaddr(0x6000), th.faultAddr)
	}()

	Handler(frame, ClassSync, ReasonDataAbort, 0)
}

func TestHandlerAlignmentFaultUserTerminates(t *testing.T) {
	setupVMM(t)

	th := &recordingTaskHost{}
	task.SetHost(th)
	defer task.SetHost(task.Stub{})

	frame := &RegFrame{IsUser: true, PC: 0x1234}

	defer func() {
		r := recover()
		require.Equal(t, "terminate", r)
		require.Equal(t, sigBus, th.signal)
	}()

	Handler(frame, ClassSync, ReasonAlignment, 0)
}
