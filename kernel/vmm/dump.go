package vmm

import (
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/kfmt"
	"github.com/talon-os/talon/kernel/mem"
)

// DumpMappings walks every page in [from, to) and prints the ones that are
// present, for crash diagnostics and manual inspection over a serial
// console. Callers pass the user or kernel half's bounds to get
// dump_user_mappings / dump_kernel_mappings behavior.
func DumpMappings(space hal.AddrSpace, from, to mem.Vaddr) {
	for v := from; v < to && v >= from; v += mem.Vaddr(mem.PageSize) {
		p, flags, ok := Query(space, v)
		if !ok {
			continue
		}
		kfmt.Printf("%x -> %x flags=%x\n", uint64(v), uint64(p), uint32(flags))
	}
}

// DumpUserMappings prints every present mapping below KernelBase.
func DumpUserMappings(space hal.AddrSpace) {
	DumpMappings(space, 0, KernelBase)
}

// DumpKernelMappings prints every present mapping at or above KernelBase.
func DumpKernelMappings(space hal.AddrSpace) {
	DumpMappings(space, KernelBase, mem.Vaddr(0xffffffffffffffff))
}
