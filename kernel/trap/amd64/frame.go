// Package amd64 defines the x86-64 register frame the trap core consumes.
package amd64

import "unsafe"

// RegFrame is the snapshot of general-purpose and syscall-ABI registers the
// amd64 trap entry stub leaves on the stack before calling into
// trap.Handler. The GPRegs layout mirrors the teacher's irq.Regs/irq.Frame
// pair (src/gopheros/kernel/irq/interrupt_amd64.go), collapsed into one
// struct and extended with the syscall slots spec.md §4.4 requires.
type RegFrame struct {
	GPRegs      [15]uint64 // RAX, RBX, RCX, RDX, RSI, RDI, RBP, R8-R15
	SyscallArgs [6]uint64
	PC          uint64 // RIP
	SP          uint64 // RSP
	Status      uint64 // RFLAGS
	SyscallNo   uint64
	IsUser      bool
}

// frameSize is the byte count the amd64 trap entry stub's assembly actually
// pushes onto the stack. It is a literal, not a value derived from RegFrame
// itself, so that a field added to RegFrame without updating the stub fails
// the build below instead of silently misreading the stack.
const frameSize = 208

const _ = uint(unsafe.Sizeof(RegFrame{}) - frameSize)
const _ = uint(frameSize - unsafe.Sizeof(RegFrame{}))
