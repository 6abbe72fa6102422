package vmm

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/mem"
)

// mmioBase is the start of the kernel-only MMIO virtual address region.
// mmioNext is a simple bump allocator over it; spec.md does not require
// mmio_unmap to support reuse of reclaimed ranges.
const mmioBase = mem.Vaddr(0xffffa00000000000)

var mmioNext = mmioBase

// MapMMIO reserves a slab of virtual addresses in the kernel-only MMIO
// region, maps each page covering [p, p+size) with PRESENT|WRITE|NOCACHE,
// and returns the base virtual address plus the original in-page offset.
func MapMMIO(p mem.Paddr, size mem.Size) (mem.Vaddr, *kernel.Error) {
	offset := mem.Size(uint64(p) % uint64(mem.PageSize))
	alignedP := mem.Paddr(uint64(p) - uint64(offset))
	pages := (size + offset).Pages()

	base := mmioNext
	mmioNext += mem.Vaddr(uint64(pages) * uint64(mem.PageSize))

	for i := uint32(0); i < pages; i++ {
		v := base + mem.Vaddr(uint64(i)*uint64(mem.PageSize))
		frame := alignedP + mem.Paddr(uint64(i)*uint64(mem.PageSize))
		if err := MapPage(masterKernelSpace, v, frame, hal.FlagPresent|hal.FlagWrite|hal.FlagNoCache); err != nil {
			return 0, err
		}
	}

	return base + mem.Vaddr(offset), nil
}

// MapFramebuffer behaves like MapMMIO but prefers WRITECOMB over NOCACHE,
// falling back when the architecture cannot offer a write-combining memory
// type for this mapping (the HAL reports this by simply honoring whichever
// flag its MMU encoding supports; an architecture without PAT/MAIR support
// silently treats WRITECOMB as NOCACHE).
func MapFramebuffer(p mem.Paddr, size mem.Size) (mem.Vaddr, *kernel.Error) {
	offset := mem.Size(uint64(p) % uint64(mem.PageSize))
	alignedP := mem.Paddr(uint64(p) - uint64(offset))
	pages := (size + offset).Pages()

	base := mmioNext
	mmioNext += mem.Vaddr(uint64(pages) * uint64(mem.PageSize))

	for i := uint32(0); i < pages; i++ {
		v := base + mem.Vaddr(uint64(i)*uint64(mem.PageSize))
		frame := alignedP + mem.Paddr(uint64(i)*uint64(mem.PageSize))
		if err := MapPage(masterKernelSpace, v, frame, hal.FlagPresent|hal.FlagWrite|hal.FlagWriteComb); err != nil {
			return 0, err
		}
	}

	return base + mem.Vaddr(offset), nil
}

// UnmapMMIO tears down a slab previously returned by MapMMIO/MapFramebuffer.
func UnmapMMIO(base mem.Vaddr, size mem.Size) {
	pages := size.Pages()
	for i := uint32(0); i < pages; i++ {
		UnmapPage(masterKernelSpace, base+mem.Vaddr(uint64(i)*uint64(mem.PageSize)))
	}
}
