//go:build 386

package build

import "github.com/talon-os/talon/kernel/mem"

// KernelVABase is the virtual offset of the kernel's direct physical map in
// the classic 3GB/1GB split: the top 1GB of every address space
// (0xC0000000 and up) is reserved for the kernel, including this identity
// window onto the first gigabyte of physical RAM.
const KernelVABase = mem.Vaddr(0xc0000000)
