// Package task isolates the trap core from the scheduler, which is out of
// scope per spec.md §1. Host is a small interface in the same spirit as
// the teacher's device.Driver: a minimal contract the real implementation
// (not part of this module) satisfies, with Stub standing in until one
// registers.
package task

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/mem"
)

// Ref identifies a task to the rest of the kernel without exposing any of
// the scheduler's internal representation.
type Ref uint64

// Host is what kernel/trap needs from the scheduler: the currently running
// task, and a way to end it abnormally after an unresolved fault.
type Host interface {
	// CurrentTask returns the task executing on this CPU, or false if
	// none is running (e.g. a fault during early boot, before the
	// scheduler starts).
	CurrentTask() (Ref, bool)

	// TerminateCurrent ends the current task with the given signal
	// number, recording faultAddr as the triggering address. Implementations
	// must not return normally; trap.terminate halts the CPU if they do.
	TerminateCurrent(signal int, faultAddr mem.Vaddr)
}

var active Host = Stub{}

// SetHost installs the real scheduler's Host implementation.
func SetHost(h Host) { active = h }

// Active returns the currently installed Host.
func Active() Host { return active }

// Stub is installed before a real scheduler registers itself. CurrentTask
// reports no running task; TerminateCurrent panics with ErrNotSupported,
// since reaching it means the trap core fired before there was anything it
// could terminate.
type Stub struct{}

// CurrentTask always reports no task running.
func (Stub) CurrentTask() (Ref, bool) { return 0, false }

// TerminateCurrent panics: a fault reached the task layer before a real
// scheduler registered, which is a boot-sequencing bug, not a recoverable
// runtime condition.
func (Stub) TerminateCurrent(signal int, faultAddr mem.Vaddr) {
	kernel.Panic(kernel.New("task", kernel.ErrNotSupported, "terminate_current called before a scheduler registered a task.Host"))
}
