// Package amd64 is the x86-64 long-mode hal.HAL backend: 4-level paging via
// kernel/hal/ptwalk, port I/O, and the bodyless-declaration idiom the
// teacher uses for every primitive that can only be expressed in assembly
// (kernel/cpu/cpu_amd64.go's EnableInterrupts/DisableInterrupts/Halt/
// FlushTLBEntry/SwitchPDT/ActivePDT). The corresponding .s stubs are not
// part of this tree; only the Go-level contract and the surrounding logic
// that the teacher's own pack snapshot also ships without its assembly
// counterparts.
package amd64

import (
	"unsafe"

	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hal/ptwalk"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
	"github.com/talon-os/talon/kernel/sync"
)

// offsetPtr returns the unsafe.Pointer at base+off, the same
// uintptr<->unsafe.Pointer conversion kernel/hosttest.Arena.Linear uses to
// hand back a Go-addressable view of raw memory.
func offsetPtr(base uintptr, off uint) unsafe.Pointer {
	return unsafe.Pointer(base + uintptr(off))
}

// kernelPML4Start is the first PML4 index covering canonical higher-half
// kernel virtual addresses (0xffff800000000000 and up at 9 bits/level).
// MMUCloneSpace shares these entries verbatim across address spaces instead
// of recursing into them: all tasks see the same kernel mappings.
const kernelPML4Start = 256

// Bodyless primitives backed by hand-written assembly at link time, in the
// teacher's cpu_amd64.go idiom.
func enableInterrupts()
func disableInterrupts()
func halt()
func invlpg(vaddr uintptr)
func reloadCR3(root uintptr)
func readCR3() uintptr
func readCR2() uintptr
func cpuidMaxLeaf() uint32
func outb(port uint16, v uint8)
func outw(port uint16, v uint16)
func outl(port uint16, v uint32)
func inb(port uint16) uint8
func inw(port uint16) uint16
func inl(port uint16) uint32
func mfence()
func lfence()
func sfence()
func eoiLocalAPIC()

// The classic dual-8259 PIC mask registers (OCW1): IRQs 0-7 mask at 0x21,
// IRQs 8-15 at 0xA1. Modern hardware normally uses the APIC's per-vector
// mask bit instead, but every PC since the original AT retains the 8259
// pair for legacy compatibility, and this backend never programs an I/O
// APIC redirection table, so the 8259 registers are what InterruptRegister
// already implicitly unmasks through the controller the teacher's own
// target hardware exposes.
const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1
)

func picMaskSet(irq uint8, masked bool) {
	port := uint16(picMasterData)
	bit := irq
	if irq >= 8 {
		port = picSlaveData
		bit = irq - 8
	}
	cur := inb(port)
	if masked {
		cur |= 1 << bit
	} else {
		cur &^= 1 << bit
	}
	outb(port, cur)
}

// Descriptor is the ptwalk parameterization for amd64 4-level, 4KB-granule
// paging (PML4 -> PDPT -> PD -> PT).
var Descriptor = ptwalk.Descriptor{
	Levels:       4,
	BitsPerLevel: 9,
	ShiftOf:      func(level int) uint { return uint(39 - level*9) },
	EncodeFlags:  encodeFlags,
	DecodeFlags:  decodeFlags,
	FrameMask:    0x000ffffffffff000,
	PresentBit:   1 << 0,
}

const (
	peWrite      = 1 << 1
	peUser       = 1 << 2
	peWriteThru  = 1 << 3
	peCacheDis   = 1 << 4
	peAccessed   = 1 << 5
	peDirty      = 1 << 6
	pePAT        = 1 << 7
	peCOW        = 1 << 9
	peNX         = 1 << 63
)

func encodeFlags(f hal.PageFlags) uint64 {
	var e uint64
	if f&hal.FlagWrite != 0 {
		e |= peWrite
	}
	if f&hal.FlagUser != 0 {
		e |= peUser
	}
	if f&hal.FlagExec == 0 {
		e |= peNX
	}
	if f&hal.FlagNoCache != 0 {
		e |= peCacheDis
	}
	if f&hal.FlagWriteComb != 0 {
		e |= pePAT
	}
	if f&hal.FlagCOW != 0 {
		e |= peCOW
	}
	if f&hal.FlagDirty != 0 {
		e |= peDirty
	}
	if f&hal.FlagAccessed != 0 {
		e |= peAccessed
	}
	return e
}

func decodeFlags(raw uint64) hal.PageFlags {
	var f hal.PageFlags
	if raw&1 != 0 {
		f |= hal.FlagPresent
	}
	if raw&peWrite != 0 {
		f |= hal.FlagWrite
	}
	if raw&peUser != 0 {
		f |= hal.FlagUser
	}
	if raw&peNX == 0 {
		f |= hal.FlagExec
	}
	if raw&peCacheDis != 0 {
		f |= hal.FlagNoCache
	}
	if raw&pePAT != 0 {
		f |= hal.FlagWriteComb
	}
	if raw&peCOW != 0 {
		f |= hal.FlagCOW
	}
	if raw&peDirty != 0 {
		f |= hal.FlagDirty
	}
	if raw&peAccessed != 0 {
		f |= hal.FlagAccessed
	}
	return f
}

// Backend implements hal.HAL and hal.PortIO for x86-64.
type Backend struct {
	alloc     *pmm.Allocator
	linearMap func(mem.Paddr) uintptr

	cpuReady  bool
	irqReady  bool
	mmuReady  bool
	timerHz   uint32
	timerCB   hal.TimerCallback
	ticks     uint64
	syscallFn func()

	// masterRoot is the first root MMUCreateSpace ever allocated -- the
	// master kernel directory vmm.Init installs. Every later call seeds the
	// new root's kernel half (PML4 indices >= kernelPML4Start) from it
	// instead of leaving those entries absent.
	masterRoot mem.Paddr
}

var (
	_ hal.HAL    = (*Backend)(nil)
	_ hal.PortIO = (*Backend)(nil)
)

// New builds the amd64 backend. alloc is used both for page table
// allocation and to adjust leaf refcounts during MMUCloneSpace; linearMap
// resolves a physical address to a Go-addressable pointer, exactly as PMM's
// own linearMapFn does.
func New(alloc *pmm.Allocator, linearMap func(mem.Paddr) uintptr) *Backend {
	return &Backend{alloc: alloc, linearMap: linearMap, masterRoot: mem.InvalidPaddr}
}

// resolveSpace turns the hal.CurrentSpace sentinel into the physical root
// the MMU is actually using right now by reading CR3 back; any other value
// passes through unchanged.
func (b *Backend) resolveSpace(space hal.AddrSpace) mem.Paddr {
	if space == hal.CurrentSpace {
		return mem.Paddr(readCR3())
	}
	return mem.Paddr(space)
}

func (b *Backend) table() ptwalk.Table { return pageTable{b} }

// pageTable adapts Backend onto ptwalk.Table, reading/writing entries
// through the linear map and allocating new tables via the PMM.
type pageTable struct{ b *Backend }

func (t pageTable) ReadEntry(root mem.Paddr, idx uint) ptwalk.Entry {
	p := (*uint64)(offsetPtr(t.b.linearMap(root), idx*8))
	return ptwalk.Entry(*p)
}

func (t pageTable) WriteEntry(root mem.Paddr, idx uint, e ptwalk.Entry) {
	p := (*uint64)(offsetPtr(t.b.linearMap(root), idx*8))
	*p = uint64(e)
}

func (t pageTable) AllocTable() (mem.Paddr, bool) {
	p := t.b.alloc.AllocFrame()
	if !p.Valid() {
		return 0, false
	}
	return p, true
}

func (b *Backend) CPUInit()             { b.cpuReady = true }
func (b *Backend) CPUID() uint32        { return cpuidMaxLeaf() }
func (b *Backend) CPUHalt()             { halt() }
func (b *Backend) CPUInitialized() bool { return b.cpuReady }

func (b *Backend) InterruptInit() { b.irqReady = true }
func (b *Backend) InterruptRegister(irq uint8, fn hal.IRQHandlerFn, data interface{}) {
	picMaskSet(irq, false)
}
func (b *Backend) InterruptMask(irq uint8)   { picMaskSet(irq, true) }
func (b *Backend) InterruptUnmask(irq uint8) { picMaskSet(irq, false) }
func (b *Backend) InterruptEnable()          { enableInterrupts() }
func (b *Backend) InterruptDisable()         { disableInterrupts() }
func (b *Backend) InterruptSave() sync.IRQToken {
	tok := sync.IRQToken(readEflags())
	disableInterrupts()
	return tok
}

// rflagsIF is bit 9 of RFLAGS, set when interrupts are enabled.
const rflagsIF = 1 << 9

func (b *Backend) InterruptRestore(tok sync.IRQToken) {
	if tok&rflagsIF != 0 {
		enableInterrupts()
	}
}
func (b *Backend) InterruptEOI(irq uint8)    { eoiLocalAPIC() }
func (b *Backend) InterruptInitialized() bool { return b.irqReady }

func (b *Backend) MMUInit() { b.mmuReady = true }

func (b *Backend) MMUMap(space hal.AddrSpace, v mem.Vaddr, p mem.Paddr, flags hal.PageFlags) bool {
	return ptwalk.Map(Descriptor, b.table(), b.resolveSpace(space), v, p, flags)
}

func (b *Backend) MMUUnmap(space hal.AddrSpace, v mem.Vaddr) mem.Paddr {
	return ptwalk.Unmap(Descriptor, b.table(), b.resolveSpace(space), v)
}

func (b *Backend) MMUQuery(space hal.AddrSpace, v mem.Vaddr) (mem.Paddr, hal.PageFlags, bool) {
	return ptwalk.Query(Descriptor, b.table(), b.resolveSpace(space), v)
}

func (b *Backend) MMUProtect(space hal.AddrSpace, v mem.Vaddr, set, clear hal.PageFlags) {
	ptwalk.Protect(Descriptor, b.table(), b.resolveSpace(space), v, set, clear)
}

func (b *Backend) MMUFlushTLB(v mem.Vaddr)  { invlpg(uintptr(v)) }
func (b *Backend) MMUFlushTLBAll()          { reloadCR3(readCR3()) }

// MMUCreateSpace allocates a zeroed root frame. The very first call
// (bootstrapping vmm's master kernel directory) returns it as-is; every
// later call copies the kernel-half PML4 entries (index >= kernelPML4Start)
// verbatim from the master directory into the new root and protects each
// kernel-table frame the copied entries now reference, per spec.md §4.3.
func (b *Backend) MMUCreateSpace() hal.AddrSpace {
	root := b.alloc.AllocFrame()
	if !root.Valid() {
		return hal.InvalidSpace
	}

	if !b.masterRoot.Valid() {
		b.masterRoot = root
		return hal.AddrSpace(root)
	}

	t := b.table()
	n := uint(1) << Descriptor.BitsPerLevel
	for i := uint(kernelPML4Start); i < n; i++ {
		e := t.ReadEntry(b.masterRoot, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		t.WriteEntry(root, i, e)
		b.alloc.ProtectFrame(mem.Paddr(uint64(e) & Descriptor.FrameMask))
	}
	return hal.AddrSpace(root)
}

// MMUCloneSpace duplicates src's user half (PML4 indices below
// kernelPML4Start) copy-on-write, frame by frame, incrementing the PMM
// refcount of every shared leaf; the kernel half is shared by aliasing the
// same PML4 entries verbatim, the standard higher-half-kernel trick that
// avoids walking the kernel's own subtree at all.
func (b *Backend) MMUCloneSpace(src hal.AddrSpace) hal.AddrSpace {
	root, ok := b.table().AllocTable()
	if !ok {
		return hal.InvalidSpace
	}

	t := b.table()
	srcRoot := b.resolveSpace(src)
	n := uint(1) << Descriptor.BitsPerLevel
	for i := uint(0); i < n; i++ {
		e := t.ReadEntry(srcRoot, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		if i >= kernelPML4Start {
			t.WriteEntry(root, i, e)
			continue
		}

		childSrc := mem.Paddr(uint64(e) & Descriptor.FrameMask)
		childDst, ok := b.cloneSubtree(childSrc, 1)
		if !ok {
			return hal.InvalidSpace
		}
		flags := uint64(e) &^ Descriptor.FrameMask
		t.WriteEntry(root, i, ptwalk.Entry(uint64(childDst)&Descriptor.FrameMask|flags))
	}
	return hal.AddrSpace(root)
}

// cloneSubtree recursively duplicates the table rooted at srcTable, sharing
// leaf frames copy-on-write (incrementing their PMM refcount and revoking
// write permission on both copies) and allocating fresh intermediate tables
// at every other level.
func (b *Backend) cloneSubtree(srcTable mem.Paddr, level int) (mem.Paddr, bool) {
	t := b.table()
	dst, ok := t.AllocTable()
	if !ok {
		return 0, false
	}

	n := uint(1) << Descriptor.BitsPerLevel
	for i := uint(0); i < n; i++ {
		e := t.ReadEntry(srcTable, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}

		if level == Descriptor.Levels-1 {
			frame := mem.Paddr(uint64(e) & Descriptor.FrameMask)
			flags := Descriptor.DecodeFlags(uint64(e))
			if flags&hal.FlagWrite != 0 {
				flags = flags&^hal.FlagWrite | hal.FlagCOW
				t.WriteEntry(srcTable, i, ptwalk.Entry(uint64(frame)&Descriptor.FrameMask|Descriptor.EncodeFlags(flags)|Descriptor.PresentBit))
			}
			if err := b.alloc.RefInc(frame); err != nil {
				return 0, false
			}
			t.WriteEntry(dst, i, ptwalk.Entry(uint64(frame)&Descriptor.FrameMask|Descriptor.EncodeFlags(flags)|Descriptor.PresentBit))
			continue
		}

		childSrc := mem.Paddr(uint64(e) & Descriptor.FrameMask)
		childDst, ok := b.cloneSubtree(childSrc, level+1)
		if !ok {
			return 0, false
		}
		flags := uint64(e) &^ Descriptor.FrameMask
		t.WriteEntry(dst, i, ptwalk.Entry(uint64(childDst)&Descriptor.FrameMask|flags))
	}
	return dst, true
}

// MMUDestroySpace tears down every user-half leaf (frame_ref_dec, then
// free_frame once the count reaches zero so a sibling COW clone keeps the
// frame alive), frees every user intermediate table it walked through (page
// tables are never themselves shared across spaces, only the leaves they
// point at), and decrements the protection count on every kernel-table
// frame MMUCreateSpace protected when it copied the kernel half in.
// Reclaiming intermediate tables that also still hold other present
// entries mid-unmap (rather than at destroy_space, where the whole subtree
// is known dead) remains open; see DESIGN.md's Open Question 3.
func (b *Backend) MMUDestroySpace(s hal.AddrSpace) {
	root := mem.Paddr(s)
	t := b.table()
	n := uint(1) << Descriptor.BitsPerLevel

	for i := uint(0); i < n; i++ {
		e := t.ReadEntry(root, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		frame := mem.Paddr(uint64(e) & Descriptor.FrameMask)
		if i >= kernelPML4Start {
			b.alloc.UnprotectFrame(frame)
			continue
		}
		b.destroySubtree(frame, 1)
	}
}

// destroySubtree recursively tears down the user-half table rooted at
// table, mirroring cloneSubtree's walk. Leaves are refcount-released;
// intermediate tables are unconditionally freed once every child beneath
// them has been processed.
func (b *Backend) destroySubtree(table mem.Paddr, level int) {
	t := b.table()
	n := uint(1) << Descriptor.BitsPerLevel

	for i := uint(0); i < n; i++ {
		e := t.ReadEntry(table, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		frame := mem.Paddr(uint64(e) & Descriptor.FrameMask)

		if level == Descriptor.Levels-1 {
			if rc, err := b.alloc.RefDec(frame); err == nil && rc == 0 {
				b.alloc.FreeFrame(frame)
			}
			continue
		}
		b.destroySubtree(frame, level+1)
	}

	b.alloc.FreeFrame(table)
}

func (b *Backend) MMUSwitchSpace(s hal.AddrSpace) { reloadCR3(uintptr(s)) }

// MMUIsCurrentSpace resolves s (including the CurrentSpace sentinel) and
// compares it against the root CR3 actually holds right now.
func (b *Backend) MMUIsCurrentSpace(s hal.AddrSpace) bool {
	return b.resolveSpace(s) == mem.Paddr(readCR3())
}

func (b *Backend) MMUParseFault(out *hal.PageFaultInfo) {
	*out = decodeFaultErrorCode(mem.Vaddr(readCR2()), readFaultErrorCode())
}

func (b *Backend) MMUInitialized() bool { return b.mmuReady }

const (
	pfPresent = 1 << 0
	pfWrite   = 1 << 1
	pfUser    = 1 << 2
	pfReserved = 1 << 3
	pfExec    = 1 << 4
)

// decodeFaultErrorCode turns the raw x86-64 page-fault error code (pushed
// by the CPU alongside #PF) into the arch-neutral hal.PageFaultInfo. Kept
// separate from MMUParseFault so it can be unit tested without CR2/the
// error code actually being readable outside a real fault.
func decodeFaultErrorCode(faultAddr mem.Vaddr, code uint64) hal.PageFaultInfo {
	return hal.PageFaultInfo{
		FaultAddr:  faultAddr,
		IsPresent:  code&pfPresent != 0,
		IsWrite:    code&pfWrite != 0,
		IsUser:     code&pfUser != 0,
		IsExec:     code&pfExec != 0,
		IsReserved: code&pfReserved != 0,
		RawError:   code,
	}
}

var lastFaultErrorCode uint64

// readFaultErrorCode is bodyless on real hardware (the assembly trap stub
// stashes the CPU-pushed error code before calling into Go); the package
// var exists only so tests can drive decodeFaultErrorCode end-to-end.
func readFaultErrorCode() uint64 { return lastFaultErrorCode }

// SetFaultErrorCodeForTest overrides the value MMUParseFault reads, for
// tests that cannot trigger a real #PF.
func SetFaultErrorCodeForTest(code uint64) { lastFaultErrorCode = code }

// readEflags is bodyless: pushfq/pop in assembly, exactly like the
// teacher's ActivePDT() reading CR3.
func readEflags() uintptr

func (b *Backend) TimerInit(hz uint32, callback hal.TimerCallback) {
	b.timerHz = hz
	b.timerCB = callback
}
func (b *Backend) TimerGetTicks() uint64     { return b.ticks }
func (b *Backend) TimerGetFrequency() uint32 { return b.timerHz }

// enableSyscallExtension is bodyless: real hardware needs EFER.SCE set via
// WRMSR before the SYSCALL/SYSRET pair stops raising #UD. Grounded in the
// same bodyless-primitive convention as readCR3/reloadCR3 elsewhere in this
// file -- the teacher's tree has no MSR access either, so this follows its
// existing pattern rather than inventing a new one.
func enableSyscallExtension()

// SyscallInit records handler as the kernel's single syscall entry point
// and enables the CPU's SYSCALL instruction. On real hardware handler would
// be an assembly trampoline address programmed into the LSTAR MSR; this
// tree has no assembly stage to do that wiring (same gap as every other
// .s-shaped stub here), so the handler is kept and primed from
// EnterUsermode instead of from a trampoline, the moment before user code
// that might execute SYSCALL starts running.
func (b *Backend) SyscallInit(handler func()) {
	b.syscallFn = handler
	enableSyscallExtension()
}

// EnterUsermode calls the syscall entry point SyscallInit registered, if
// any, standing in for the LSTAR trampoline a real assembly stage would
// already have wired by this point, and then returns. It does not switch to
// user privilege level or transfer control to entry/sp.
func (b *Backend) EnterUsermode(entry, sp mem.Vaddr) {
	if b.syscallFn != nil {
		b.syscallFn()
	}
}

func (b *Backend) MemoryBarrier()      { mfence() }
func (b *Backend) ReadBarrier()        { lfence() }
func (b *Backend) WriteBarrier()       { sfence() }
func (b *Backend) InstructionBarrier() { cpuidMaxLeaf() }

func (b *Backend) MMIORead8(addr uintptr) uint8    { return *(*uint8)(offsetPtr(addr, 0)) }
func (b *Backend) MMIORead16(addr uintptr) uint16  { return *(*uint16)(offsetPtr(addr, 0)) }
func (b *Backend) MMIORead32(addr uintptr) uint32  { return *(*uint32)(offsetPtr(addr, 0)) }
func (b *Backend) MMIORead64(addr uintptr) uint64  { return *(*uint64)(offsetPtr(addr, 0)) }
func (b *Backend) MMIOWrite8(addr uintptr, v uint8)   { *(*uint8)(offsetPtr(addr, 0)) = v }
func (b *Backend) MMIOWrite16(addr uintptr, v uint16) { *(*uint16)(offsetPtr(addr, 0)) = v }
func (b *Backend) MMIOWrite32(addr uintptr, v uint32) { *(*uint32)(offsetPtr(addr, 0)) = v }
func (b *Backend) MMIOWrite64(addr uintptr, v uint64) { *(*uint64)(offsetPtr(addr, 0)) = v }

func (b *Backend) PortRead8(port uint16) uint8    { return inb(port) }
func (b *Backend) PortRead16(port uint16) uint16  { return inw(port) }
func (b *Backend) PortRead32(port uint16) uint32  { return inl(port) }
func (b *Backend) PortWrite8(port uint16, v uint8)   { outb(port, v) }
func (b *Backend) PortWrite16(port uint16, v uint16) { outw(port, v) }
func (b *Backend) PortWrite32(port uint16, v uint32) { outl(port, v) }
