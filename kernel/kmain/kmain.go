// Package kmain is the architecture-neutral second half of the boot
// sequence: it is the only package the per-arch Kmain entry points
// (kmain_amd64.go, kmain_arm64.go, kmain_x86.go) call into once they have
// installed the HAL and parsed the bootloader's handoff structure into a
// bootinfo.Info. Grounded on the teacher's kernel/kmain/kmain.go, which
// does the equivalent allocator/vmm/goruntime sequencing for a single
// architecture with a hard-coded multiboot front half.
package kmain

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/bootinfo"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/irq"
	"github.com/talon-os/talon/kernel/kfmt"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
	"github.com/talon-os/talon/kernel/trap"
	"github.com/talon-os/talon/kernel/vmm"
)

var errKmainReturned = kernel.New("kmain", kernel.ErrFatalFault, "Kmain returned")

// alloc is the system's single physical frame allocator, initialized from
// the normalized boot info by boot() below. Declared at package scope (not
// inside boot) so the per-arch entry point can hand a pointer to it to the
// HAL backend constructor before InitFromBootInfo has populated it --
// mirroring the teacher's own package-level allocator.DefaultAllocator.
var alloc pmm.Allocator

const (
	multiboot1Magic = 0x2badb002
	multiboot2Magic = 0x36d76289
)

// detectBootInfo dispatches on the GRUB/multiboot handoff magic the
// assembly entry stub received in a register and passed through unchanged.
// Shared by the amd64 and x86 entry points; arm64 has no such magic and
// calls bootinfo.ParseDTB directly instead.
func detectBootInfo(magic uint32, ptr uintptr) *bootinfo.Info {
	switch magic {
	case multiboot2Magic:
		return bootinfo.ParseMultiboot2(ptr)
	case multiboot1Magic:
		return bootinfo.ParseMultiboot1(ptr)
	default:
		kernel.Panic(kernel.New("kmain", kernel.ErrInvalidAddress, "unrecognized boot magic"))
		return nil
	}
}

// boot runs the rest of the boot sequence once the per-arch entry point has
// called hal.SetActive and produced a normalized bootinfo.Info: physical
// memory, the VMM, the trap core and the IRQ router, in that order, exactly
// as spec.md §4's module list is sequenced. It never returns.
func boot(info *bootinfo.Info) {
	hal.Active.CPUInit()

	kfmt.Printf("booting: protocol=%s memory=%d MB cmdline=%s\n",
		info.Protocol.String(), uint64(info.TotalUsable())/uint64(mem.Mb), info.Cmdline)

	alloc.InitFromBootInfo(info)

	if err := vmm.Init(&alloc); err != nil {
		kernel.Panic(err)
	}

	hal.Active.MMUInit()
	trap.Init()
	irq.Init()

	// The scheduler that would register a task.Host and a syscall handler
	// is out of scope (spec.md §1's Non-goals); Kmain's job ends here.
	kernel.Panic(errKmainReturned)
}
