// Package trap implements the architecture-neutral half of the trap core:
// classification, syscall ABI handling, page-fault delegation to the VMM,
// and user-task termination. The per-arch register frame layouts live in
// kernel/trap/amd64, kernel/trap/arm64 and kernel/trap/x86; this package
// only consumes the RegFrame an entry stub fills in, the way
// the teacher's irq.Regs/irq.Frame pair is consumed by vmm's fault handler
// (kernel/mem/vmm/vmm.go's pageFaultHandler) without that package knowing
// how the registers were saved.
package trap

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/kfmt"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/task"
	"github.com/talon-os/talon/kernel/vmm"
)

// Class is the trap's dispatch class, read from the vector/exception-
// syndrome register by the assembly stub and passed to trap_handler.
type Class uint8

const (
	ClassSync Class = iota
	ClassIRQ
	ClassFIQ
	ClassSError
)

// Reason further classifies a ClassSync trap.
type Reason uint8

const (
	ReasonSyscall Reason = iota
	ReasonDataAbort
	ReasonInstructionAbort
	ReasonAlignment
	ReasonBreakpoint
	ReasonUnknown
)

// RegFrame is the architecture-neutral register snapshot the trap core
// operates on. Its real definition lives per architecture under
// kernel/trap/<arch> (regframe_amd64.go, regframe_arm64.go, regframe_x86.go
// alias it in here), each one statically size-asserted against the layout
// its own assembly stub actually pushes.

// SyscallHandler is invoked with the call number and arguments and returns
// the value written back into the frame's return-value slot.
type SyscallHandler func(no uint64, args [6]uint64) uint64

var (
	syscallHandler SyscallHandler

	// currentAddrSpaceFn resolves which address space is active for the
	// faulting context; production code points this at the scheduler's
	// current task, tests override it directly.
	currentAddrSpaceFn = func() hal.AddrSpace { return hal.CurrentSpace }

	// advancePC moves the saved PC past the trap instruction on the
	// architectures whose hardware leaves PC on the faulting instruction
	// rather than the next one (spec.md §4.4). x86 and amd64 override this
	// in their own build-tagged file; arm64's svc already faults with
	// ELR_EL1 past the instruction, so its default no-op is correct.
	advancePC = func(frame *RegFrame) {}
)

// SetSyscallHandler registers the kernel's single syscall entry point.
func SetSyscallHandler(h SyscallHandler) { syscallHandler = h }

// SetCurrentAddrSpaceFn overrides address-space resolution; used by tests.
func SetCurrentAddrSpaceFn(fn func() hal.AddrSpace) { currentAddrSpaceFn = fn }

// syscallEntryStub is registered with the HAL as the single entry point a
// user-mode syscall/trap instruction vectors to. Real hardware would vector
// there through an assembly trampoline that this tree doesn't carry (see
// hal/amd64's EnterUsermode); the stub exists so SyscallInit's contract is
// always exercised with a live handler instead of skipped.
func syscallEntryStub() {}

// Init calls the HAL's InterruptInit and registers syscallEntryStub through
// SyscallInit. Init itself does not point any vector table at Handler.
func Init() {
	hal.Active.InterruptInit()
	hal.Active.SyscallInit(syscallEntryStub)
}

// Handler is called by the assembly entry stub (via the per-arch glue) with
// the populated frame, its class and reason, and a source value: the
// physical IRQ number for ClassIRQ and the FIQ number for ClassFIQ.
// ClassSync and ClassSError traps ignore source.
func Handler(frame *RegFrame, class Class, reason Reason, source uint8) {
	switch class {
	case ClassIRQ:
		dispatchIRQFn(source)
		return
	case ClassFIQ:
		kfmt.Printf("[trap] FIQ %d (no handler registered)\n", source)
		return
	case ClassSError:
		kernel.Panic(kernel.New("trap", kernel.ErrFatalFault, "SError"))
		return
	}

	switch reason {
	case ReasonSyscall:
		handleSyscall(frame)
	case ReasonDataAbort, ReasonInstructionAbort:
		handleAbort(frame)
	case ReasonAlignment:
		if frame.IsUser {
			terminate(frame, sigBus, mem.Vaddr(frame.PC))
		} else {
			kernel.Panic(kernel.New("trap", kernel.ErrFatalFault, "alignment fault in kernel mode"))
		}
	case ReasonBreakpoint:
		kfmt.Printf("[trap] breakpoint at pc=%x\n", frame.PC)
		dumpFrame(frame)
	default:
		kernel.Panic(kernel.New("trap", kernel.ErrFatalFault, "unknown trap vector"))
	}
}

// dispatchIRQFn is overridden by kernel/irq during init; kept as an
// indirection so kernel/trap does not import kernel/irq (irq imports the
// HAL directly and trap only needs to route IRQ-class traps to it).
var dispatchIRQFn = func(uint8) {}

// SetIRQDispatch registers the IRQ router's dispatch entry point.
func SetIRQDispatch(fn func(physIRQ uint8)) { dispatchIRQFn = fn }

func handleSyscall(frame *RegFrame) {
	advancePC(frame)

	if syscallHandler == nil {
		frame.GPRegs[0] = ^uint64(0)
		return
	}
	frame.GPRegs[0] = syscallHandler(frame.SyscallNo, frame.SyscallArgs)
}

func handleAbort(frame *RegFrame) {
	var info hal.PageFaultInfo
	hal.Active.MMUParseFault(&info)

	outcome := vmm.HandleFault(currentAddrSpaceFn(), &info)
	if outcome == vmm.FaultResumed {
		return
	}

	if frame.IsUser {
		terminate(frame, sigSegv, info.FaultAddr)
		return
	}

	kfmt.Printf("\nunrecoverable page fault at %x (pc=%x)\n", uint64(info.FaultAddr), frame.PC)
	dumpFrame(frame)
	kernel.Panic(kernel.New("trap", kernel.ErrFatalFault, "kernel-mode page fault"))
}

const (
	sigSegv = 11
	sigBus  = 7
)

// terminate marks the current task terminated-by-signal and hands off to
// the task layer; it never returns.
func terminate(frame *RegFrame, signal int, faultAddr mem.Vaddr) {
	task.Active().TerminateCurrent(signal, faultAddr)
	// If the task layer failed to switch away, there is nothing left to
	// do but stop the CPU.
	for {
		hal.Active.CPUHalt()
	}
}

func dumpFrame(frame *RegFrame) {
	kfmt.Printf("pc=%x sp=%x status=%x\n", frame.PC, frame.SP, frame.Status)
	for i := 0; i < len(frame.GPRegs); i++ {
		kfmt.Printf("r%d=%x ", i, frame.GPRegs[i])
		if i%4 == 3 {
			kfmt.Printf("\n")
		}
	}
	if len(frame.GPRegs)%4 != 0 {
		kfmt.Printf("\n")
	}
}
