// Package vmm drives page tables through the HAL: address-space creation,
// mapping, copy-on-write fork, MMIO reservation and the kernel/COW page
// fault dispatch. Grounded on the teacher's kernel/mem/vmm/vmm.go COW
// page-fault handler and src/gopheros/kernel/mm/vmm/fault.go, generalized
// from a single hard-coded amd64 page-table walk to calls through hal.HAL
// so the same VMM code serves every architecture.
package vmm

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
	"github.com/talon-os/talon/kernel/sync"
)

// KernelBase is the architecture-neutral boundary between user and kernel
// halves of the address space. Every supported architecture places the
// kernel in the upper half of a 64-bit virtual address space.
const KernelBase = mem.Vaddr(0xffff800000000000)

var (
	lock sync.IRQSpinlock

	allocator *pmm.Allocator

	// masterKernelSpace holds the canonical copy of every kernel-half
	// top-level entry. New address spaces are seeded from it; the kernel
	// page-fault handler lazy-syncs missing entries from it into whatever
	// space faulted.
	masterKernelSpace hal.AddrSpace

	initialized bool
)

// Init asks the HAL for a new root through MMUCreateSpace (the backend's
// first call returns it without copying any kernel-half entries), registers
// that root as protected, and records it as the master kernel directory
// that every later create_space/clone_space seeds from. It does not adopt
// the boot page tables, does not extend the kernel-half mapping and does
// not switch to the new root; it always returns nil.
func Init(alloc *pmm.Allocator) *kernel.Error {
	allocator = alloc

	tok := lock.Acquire()
	defer lock.Release(tok)

	root := hal.Active.MMUCreateSpace()
	masterKernelSpace = root
	allocator.ProtectFrame(mem.Paddr(root))
	initialized = true

	return nil
}

// MapPage takes the VMM lock, installs v -> p via the HAL, flushes the
// TLB entry, and, for a kernel-half v in a space other than the master,
// re-maps the same translation into the master directory so
// handleKernelFault can lazy-sync it into peer spaces.
func MapPage(space hal.AddrSpace, v mem.Vaddr, p mem.Paddr, flags hal.PageFlags) *kernel.Error {
	tok := lock.Acquire()
	defer lock.Release(tok)

	if !hal.Active.MMUMap(space, v, p, flags) {
		return kernel.New("vmm", kernel.ErrOutOfMemory, "map_page: could not allocate intermediate table")
	}
	hal.Active.MMUFlushTLB(v)

	if v >= KernelBase {
		mirrorKernelEntry(space, v)
	}
	return nil
}

// UnmapPage removes v's mapping from space and flushes the TLB entry.
func UnmapPage(space hal.AddrSpace, v mem.Vaddr) mem.Paddr {
	tok := lock.Acquire()
	defer lock.Release(tok)

	p := hal.Active.MMUUnmap(space, v)
	hal.Active.MMUFlushTLB(v)
	return p
}

// Query performs a locked read-only lookup of v's translation in space.
func Query(space hal.AddrSpace, v mem.Vaddr) (mem.Paddr, hal.PageFlags, bool) {
	tok := lock.Acquire()
	defer lock.Release(tok)

	return hal.Active.MMUQuery(space, v)
}

// mirrorKernelEntry copies the top-level entry covering v from space into
// the master kernel directory. Called with the VMM lock already held.
func mirrorKernelEntry(space hal.AddrSpace, v mem.Vaddr) {
	if space == masterKernelSpace {
		return
	}
	// The HAL's MMU is the only component that knows the architecture's
	// top-level entry layout; mirroring is therefore expressed as a
	// protected re-map of the same translation into the master space so
	// both directories agree at the top level.
	if p, flags, ok := hal.Active.MMUQuery(space, v); ok {
		hal.Active.MMUMap(masterKernelSpace, v, p, flags)
	}
}

// CreateSpace allocates a root frame, zeroes it, copies the kernel-half
// entries from the master directory, protects the kernel-table frames it
// now references, registers the root as protected, and returns its AddrSpace.
func CreateSpace() hal.AddrSpace {
	tok := lock.Acquire()
	defer lock.Release(tok)

	root := hal.Active.MMUCreateSpace()
	allocator.ProtectFrame(mem.Paddr(root))
	return root
}

// DestroySpace refuses to destroy the currently active space or the master
// kernel directory. For every present user-half leaf it decrements the
// frame's refcount then frees it (so frames shared with a sibling via COW
// survive), frees user intermediate tables, decrements the kernel-table
// protection counts, unregisters, and frees the root.
func DestroySpace(s hal.AddrSpace) *kernel.Error {
	tok := lock.Acquire()
	defer lock.Release(tok)

	if s == masterKernelSpace {
		return kernel.New("vmm", kernel.ErrInvalidAddress, "destroy_space: refusing to destroy the master kernel directory")
	}
	if hal.Active.MMUIsCurrentSpace(s) {
		return kernel.New("vmm", kernel.ErrInvalidAddress, "destroy_space: refusing to destroy the active address space")
	}

	hal.Active.MMUDestroySpace(s)
	allocator.UnprotectFrame(mem.Paddr(s))
	if err := allocator.FreeFrame(mem.Paddr(s)); err != nil {
		return err
	}
	return nil
}

// CloneSpace implements copy-on-write fork per spec.md §4.3: the child
// never shares intermediate tables with the parent, only leaf frames,
// shared via incremented refcounts and COW-marked, write-revoked parent
// PTEs. If src is the address space currently loaded into the MMU, a full
// TLB flush follows so the parent cannot keep writing straight through a
// stale writable entry for a page MMUCloneSpace just marked COW.
func CloneSpace(src hal.AddrSpace) (hal.AddrSpace, *kernel.Error) {
	tok := lock.Acquire()
	defer lock.Release(tok)

	wasCurrent := hal.Active.MMUIsCurrentSpace(src)

	child := hal.Active.MMUCloneSpace(src)
	if child == hal.InvalidSpace {
		return hal.InvalidSpace, kernel.New("vmm", kernel.ErrOutOfMemory, "clone_space: allocation failed")
	}

	allocator.ProtectFrame(mem.Paddr(child))

	if wasCurrent {
		hal.Active.MMUFlushTLBAll()
	}
	return child, nil
}

// FaultOutcome tells the trap core what to do next.
type FaultOutcome uint8

const (
	// FaultResumed means the faulting instruction can simply be retried.
	FaultResumed FaultOutcome = iota
	// FaultFatal means the fault could not be resolved; the trap core
	// must panic (kernel-mode) or signal the task (user-mode).
	FaultFatal
)

// HandleFault is called by the trap core with the HAL-parsed fault info. It
// implements the three-way dispatch: kernel-space lazy sync, COW
// resolution, or a fatal surface to the caller.
func HandleFault(space hal.AddrSpace, info *hal.PageFaultInfo) FaultOutcome {
	if info.FaultAddr >= KernelBase && !info.IsUser {
		if handleKernelFault(space, info) {
			return FaultResumed
		}
		return FaultFatal
	}

	if info.IsPresent && info.IsWrite {
		if p, flags, ok := hal.Active.MMUQuery(space, info.FaultAddr); ok && flags&hal.FlagCOW != 0 {
			handleCOWFault(space, info.FaultAddr, p)
			return FaultResumed
		}
	}

	return FaultFatal
}

// handleKernelFault looks up the master directory's entry for the faulting
// address; if present there but absent in the current space, it is copied
// in and the address TLB-flushed so the access can be retried.
func handleKernelFault(space hal.AddrSpace, info *hal.PageFaultInfo) bool {
	tok := lock.Acquire()
	defer lock.Release(tok)

	p, flags, ok := hal.Active.MMUQuery(masterKernelSpace, info.FaultAddr)
	if !ok {
		return false
	}
	if _, _, curOk := hal.Active.MMUQuery(space, info.FaultAddr); curOk {
		return false
	}

	hal.Active.MMUMap(space, info.FaultAddr, p, flags)
	hal.Active.MMUFlushTLB(info.FaultAddr)
	return true
}

// handleCOWFault applies the three-way refcount dispatch described by
// spec.md §4.3 / §9 Open Question 2.
func handleCOWFault(space hal.AddrSpace, v mem.Vaddr, p mem.Paddr) {
	tok := lock.Acquire()
	defer lock.Release(tok)

	switch rc := allocator.RefCount(p); {
	case rc == 0:
		// Anomalous but safe: nothing else can be referencing this
		// frame, so just reclaim it in place.
		hal.Active.MMUProtect(space, v, hal.FlagWrite, hal.FlagCOW)
		hal.Active.MMUFlushTLB(v)
	case rc == 1:
		hal.Active.MMUProtect(space, v, hal.FlagWrite, hal.FlagCOW)
		hal.Active.MMUFlushTLB(v)
	default:
		newFrame := allocator.AllocFrame()
		if !newFrame.Valid() {
			return
		}
		copyFrame(p, newFrame)
		hal.Active.MMUUnmap(space, v)
		hal.Active.MMUMap(space, v, newFrame, hal.FlagPresent|hal.FlagWrite|hal.FlagUser)
		hal.Active.MMUFlushTLB(v)
		allocator.RefDec(p)
	}
}

// copyFrame is overridden by tests; production code copies through the
// kernel's linear map.
var copyFrame = func(src, dst mem.Paddr) {}
