// Package hal defines the architecture-neutral contract every supported CPU
// backend (amd64, arm64, x86) implements. The PMM, VMM, trap core and IRQ
// router are all written against this interface; arch selection happens at
// compile time via the hal/amd64, hal/arm64 and hal/x86 packages.
package hal

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/sync"
)

// AddrSpace is the physical address of a top-level page table. Two
// reserved values exist: Invalid and Current.
type AddrSpace mem.Paddr

const (
	// InvalidSpace marks the absence of an address space.
	InvalidSpace = AddrSpace(0xffffffffffffffff)

	// CurrentSpace means "whichever address space the MMU is using right
	// now" -- it lets callers avoid reading back the active root just to
	// pass it straight through to another HAL call.
	CurrentSpace = AddrSpace(0xfffffffffffffffe)
)

// PageFlags is an architecture-neutral bitset describing a mapping's
// permissions and caching behavior. Each arch backend translates this into
// its own PTE encoding.
type PageFlags uint32

const (
	FlagPresent PageFlags = 1 << iota
	FlagWrite
	FlagUser
	FlagExec
	FlagNoCache
	FlagWriteComb
	FlagCOW
	FlagDirty
	FlagAccessed
)

// PageFaultInfo is the arch-neutral description of a synchronous page
// fault, produced by MMUParseFault from the raw architectural fault
// registers.
type PageFaultInfo struct {
	FaultAddr  mem.Vaddr
	IsPresent  bool
	IsWrite    bool
	IsUser     bool
	IsExec     bool
	IsReserved bool
	RawError   uint64
}

// IRQHandlerFn is invoked by the HAL's interrupt dispatch when the IRQ it
// was registered for fires. data is the opaque value supplied at
// registration time.
type IRQHandlerFn func(irq uint8, data interface{})

// IRQHandlerEntry is a single slot in the HAL's physical IRQ table.
type IRQHandlerEntry struct {
	Handler IRQHandlerFn
	Data    interface{}
}

// TimerCallback is invoked by the timer IRQ handler on every tick, with
// interrupts still masked.
type TimerCallback func()

// HAL is the contract implemented once per supported architecture. All MMU
// operations are serialized by the VMM's single spinlock; implementations
// need not be reentrant on their own.
type HAL interface {
	// CPU
	CPUInit()
	CPUID() uint32
	CPUHalt()
	CPUInitialized() bool

	// IRQ
	InterruptInit()
	InterruptRegister(irq uint8, fn IRQHandlerFn, data interface{})
	InterruptMask(irq uint8)
	InterruptUnmask(irq uint8)
	InterruptEnable()
	InterruptDisable()
	InterruptSave() sync.IRQToken
	InterruptRestore(tok sync.IRQToken)
	InterruptEOI(irq uint8)
	InterruptInitialized() bool

	// MMU
	MMUInit()
	MMUMap(space AddrSpace, v mem.Vaddr, p mem.Paddr, flags PageFlags) bool
	MMUUnmap(space AddrSpace, v mem.Vaddr) mem.Paddr
	MMUQuery(space AddrSpace, v mem.Vaddr) (mem.Paddr, PageFlags, bool)
	MMUProtect(space AddrSpace, v mem.Vaddr, set, clear PageFlags)
	MMUFlushTLB(v mem.Vaddr)
	MMUFlushTLBAll()
	MMUCreateSpace() AddrSpace
	MMUCloneSpace(src AddrSpace) AddrSpace
	MMUDestroySpace(s AddrSpace)
	MMUSwitchSpace(s AddrSpace)
	// MMUIsCurrentSpace reports whether s names the address space the MMU
	// has loaded right now, resolving the CurrentSpace sentinel itself so
	// callers need not read back the active root just to compare it.
	MMUIsCurrentSpace(s AddrSpace) bool
	MMUParseFault(out *PageFaultInfo)
	MMUInitialized() bool

	// Timer
	TimerInit(hz uint32, callback TimerCallback)
	TimerGetTicks() uint64
	TimerGetFrequency() uint32

	// Syscall
	SyscallInit(handler func())

	// Usermode
	EnterUsermode(entry, sp mem.Vaddr)

	// Barriers
	MemoryBarrier()
	ReadBarrier()
	WriteBarrier()
	InstructionBarrier()

	// MMIO
	MMIORead8(addr uintptr) uint8
	MMIORead16(addr uintptr) uint16
	MMIORead32(addr uintptr) uint32
	MMIORead64(addr uintptr) uint64
	MMIOWrite8(addr uintptr, v uint8)
	MMIOWrite16(addr uintptr, v uint16)
	MMIOWrite32(addr uintptr, v uint32)
	MMIOWrite64(addr uintptr, v uint64)
}

// PortIO is implemented only by the x86 and amd64 backends, which have a
// separate I/O address space.
type PortIO interface {
	PortRead8(port uint16) uint8
	PortRead16(port uint16) uint16
	PortRead32(port uint16) uint32
	PortWrite8(port uint16, v uint8)
	PortWrite16(port uint16, v uint16)
	PortWrite32(port uint16, v uint32)
}

// Active is the HAL implementation selected for this build, installed by
// the arch-specific init package before kmain runs any PMM/VMM code.
var Active HAL

// SetActive installs impl as the system HAL and wires its interrupt
// save/restore primitives into kernel/sync so PMM/VMM spinlocks can disable
// interrupts during their critical sections, and registers its CPUHalt as
// the function kernel.Panic stops the CPU with.
func SetActive(impl HAL) {
	Active = impl
	sync.SetInterruptFuncs(impl.InterruptSave, impl.InterruptRestore)
	kernel.SetHaltFunc(impl.CPUHalt)
}
