package pmm

import (
	"github.com/talon-os/talon/kernel/bootinfo"
	"github.com/talon-os/talon/kernel/mem"
)

// InitFromBootInfo implements the pmm_init(boot_info) contract spec.md §6
// describes: it spans the bitmap over every frame from frame 0 up to the
// highest address any memory-map entry (available or not) covers, then
// marks every frame outside a MemAvailable region, and every frame the
// Modules list covers, as used so the allocator never hands them out.
func (a *Allocator) InitFromBootInfo(info *bootinfo.Info) {
	var highest uint64
	for _, e := range info.MemoryMap {
		if end := e.PhysAddress + e.Length; end > highest {
			highest = end
		}
	}

	totalFrames := (highest + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	a.Init(0, totalFrames)

	// Start from fully reserved and carve out only the available ranges,
	// rather than the other way around: an adapter that failed to report a
	// reserved region must never cause the PMM to hand it out. Frames
	// carved back out below are reclassified from "kernel" back to "free"
	// by clearFreeFrame, so the surviving kernelFrames count is exactly the
	// memory map's non-available ranges -- the kernel image plus whatever
	// firmware/bootloader holes surround it.
	for frame := uint64(0); frame < totalFrames; frame++ {
		a.MarkKernelUsed(frame)
	}

	for _, e := range info.MemoryMap {
		if e.Type != bootinfo.MemAvailable {
			continue
		}
		startFrame := e.PhysAddress / uint64(mem.PageSize)
		endFrame := (e.PhysAddress + e.Length) / uint64(mem.PageSize)
		for frame := startFrame; frame < endFrame; frame++ {
			a.clearFreeFrame(frame)
		}
	}

	for _, m := range info.Modules {
		startFrame := m.Start / uint64(mem.PageSize)
		endFrame := (m.End + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
		for frame := startFrame; frame < endFrame; frame++ {
			a.MarkUsed(frame)
		}
	}
}

// clearFreeFrame undoes the MarkKernelUsed placeholder for a frame
// InitFromBootInfo has determined is actually available, without going
// through FreeFrame (which would reject frames that were never really
// "allocated").
func (a *Allocator) clearFreeFrame(frame uint64) {
	tok := a.lock.Acquire()
	defer a.lock.Release(tok)

	rel, ok := a.relFrame(frame)
	if !ok {
		return
	}
	if a.bitSet(rel) {
		a.reservedFrames--
		a.kernelFrames--
	}
	a.clearBit(rel)
	a.refcnt[rel] = 0
}
