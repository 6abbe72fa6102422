//go:build arm64

package kmain

import (
	"github.com/talon-os/talon/kernel/bootinfo"
	"github.com/talon-os/talon/kernel/build"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hal/arm64"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
)

func linearMap(p mem.Paddr) uintptr { return uintptr(p) + uintptr(build.KernelVABase) }

// Kmain is the symbol the arm64 rt0 assembly stub jumps to after dropping
// to EL1 and setting up a minimal bootstrap stack, passing through the
// physical address of the flattened device tree U-Boot or the previous
// boot stage left in x0. There is no multiboot-style magic to dispatch on:
// AArch64 platforms boot from a DTB, not a GRUB handoff.
//
//go:noinline
func Kmain(dtbPtr uintptr) {
	pmm.SetLinearMapFn(linearMap)
	hal.SetActive(arm64.New(&alloc, linearMap))

	// No PC-compatible VGA text-mode framebuffer exists on this
	// architecture; kfmt output stays buffered in its ring buffer until
	// a platform-specific UART driver attaches one (out of scope here).
	boot(bootinfo.ParseDTB(dtbPtr))
}
