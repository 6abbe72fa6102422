// Package arm64 defines the AArch64 register frame the trap core consumes.
package arm64

import "unsafe"

// RegFrame is the snapshot of general-purpose and syscall-ABI registers the
// arm64 trap entry stub leaves on the stack before calling into
// trap.Handler. Unlike amd64/x86, a synchronous svc exception already
// leaves ELR_EL1 past the faulting instruction, so PC needs no adjustment
// on the way back out (see advancePC in kernel/trap).
type RegFrame struct {
	GPRegs      [31]uint64 // X0-X30
	SyscallArgs [6]uint64
	PC          uint64 // ELR_EL1
	SP          uint64 // SP_EL0
	Status      uint64 // SPSR_EL1
	SyscallNo   uint64
	IsUser      bool
}

// frameSize is the byte count the arm64 trap entry stub's assembly actually
// pushes onto the stack. It is a literal, not a value derived from RegFrame
// itself, so that a field added to RegFrame without updating the stub fails
// the build below instead of silently misreading the stack.
const frameSize = 336

const _ = uint(unsafe.Sizeof(RegFrame{}) - frameSize)
const _ = uint(frameSize - unsafe.Sizeof(RegFrame{}))
