//go:build arm64

package build

import "github.com/talon-os/talon/kernel/mem"

// KernelVABase is the virtual offset of the kernel's direct physical map in
// AArch64 canonical higher-half address space.
const KernelVABase = mem.Vaddr(0xffff000000000000)
