// Package build collects the compile-time constants a freestanding kernel
// uses in place of a runtime configuration file: the page size, the kernel's
// linear physical map base per architecture (see build_amd64.go,
// build_arm64.go, build_x86.go), and the PC-compatible VGA text framebuffer
// address. The MMIO virtual region's base is not defined here (it is
// kernel/vmm's mmioBase), and no HAL backend checks MMIO accesses against a
// region bound. Analogous to the teacher's kernel/mem/constants_amd64.go.
package build

import "github.com/talon-os/talon/kernel/mem"

// PageSize is the system's base page size, re-exported from kernel/mem so
// callers that only need build-time constants don't also have to import the
// arithmetic helpers in kernel/mem.
const PageSize = mem.PageSize

// VGAFramebuffer is the standard PC-compatible text-mode framebuffer
// physical address, identity/linear-mapped on every amd64 and x86 target
// this kernel boots on.
const VGAFramebuffer = mem.Paddr(0xb8000)
