//go:build arm64

package main

import "github.com/talon-os/talon/kernel/kmain"

// dtbPtr is populated by the rt0 assembly stub from x0, the physical address
// of the flattened device tree left by the previous boot stage.
var dtbPtr uintptr

// main is the only Go symbol visible to the rt0 assembly code; see
// main_amd64.go for why it exists as a standalone trampoline.
func main() {
	kmain.Kmain(dtbPtr)
}
