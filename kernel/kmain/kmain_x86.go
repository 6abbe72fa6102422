//go:build 386

package kmain

import (
	"github.com/talon-os/talon/kernel/build"
	"github.com/talon-os/talon/kernel/driver/tty"
	"github.com/talon-os/talon/kernel/driver/video/console"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hal/x86"
	"github.com/talon-os/talon/kernel/kfmt"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
)

func linearMap(p mem.Paddr) uintptr { return uintptr(p) + uintptr(build.KernelVABase) }

var (
	bootCons console.Ega
	bootVt   tty.Vt
)

// attachBootConsole wires the VGA text console up as kfmt's output sink,
// replaying anything Printf buffered before this point.
func attachBootConsole() {
	bootCons.Init(80, 25, linearMap(build.VGAFramebuffer))
	bootVt.AttachTo(&bootCons)
	bootVt.Clear()
	kfmt.SetOutputSink(&bootVt)
}

// Kmain is the symbol the x86 rt0 assembly stub jumps to after setting up
// protected mode and a minimal bootstrap stack, passing through the GRUB
// multiboot magic and info pointer exactly as the amd64 entry point does.
//
//go:noinline
func Kmain(bootMagic uint32, bootInfoPtr uintptr) {
	pmm.SetLinearMapFn(linearMap)
	hal.SetActive(x86.New(&alloc, linearMap))
	attachBootConsole()

	boot(detectBootInfo(bootMagic, bootInfoPtr))
}
