//go:build 386

package main

import "github.com/talon-os/talon/kernel/kmain"

// bootMagic and bootInfoPtr are populated by the rt0 assembly stub from EAX
// and EBX at GRUB handoff before jumping here.
var (
	bootMagic   uint32
	bootInfoPtr uintptr
)

// main is the only Go symbol visible to the rt0 assembly code; see
// main_amd64.go for why it exists as a standalone trampoline.
func main() {
	kmain.Kmain(bootMagic, bootInfoPtr)
}
