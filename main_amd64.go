//go:build amd64

package main

import "github.com/talon-os/talon/kernel/kmain"

// bootMagic and bootInfoPtr are populated by the rt0 assembly stub from EAX
// and EBX at GRUB handoff before jumping here.
var (
	bootMagic   uint32
	bootInfoPtr uintptr
)

// main is the only Go symbol visible to the rt0 assembly code. It is a
// trampoline for kmain.Kmain, kept here (rather than inlined away) so the Go
// compiler cannot optimize out the real kernel entry point, which it has no
// static reference to otherwise.
//
// main is not expected to return; if it does, the rt0 stub halts the CPU.
func main() {
	kmain.Kmain(bootMagic, bootInfoPtr)
}
