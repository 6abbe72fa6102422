//go:build amd64

package build

import "github.com/talon-os/talon/kernel/mem"

// KernelVABase is the virtual offset of the kernel's direct physical map,
// the classic amd64 long-mode "physmap" convention (e.g. Linux's
// 0xffff888000000000, simplified to a round boundary here since this
// kernel has no KASLR).
const KernelVABase = mem.Vaddr(0xffff800000000000)
