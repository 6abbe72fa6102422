// Package x86 is the 32-bit, non-PAE hal.HAL backend: 2-level paging (page
// directory -> page table, 10 bits per level, 4KB pages) via
// kernel/hal/ptwalk, and port I/O. It is the simplest of the three
// backends: without PAE there is no NX bit, so every mapping this backend
// creates is executable regardless of hal.FlagExec, matching the real
// hardware limitation rather than papering over it.
//
// Bodyless declarations follow the same kernel/cpu/cpu_amd64.go idiom as
// kernel/hal/amd64, narrowed to 32-bit registers.
package x86

import (
	"unsafe"

	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/hal/ptwalk"
	"github.com/talon-os/talon/kernel/mem"
	"github.com/talon-os/talon/kernel/pmm"
	"github.com/talon-os/talon/kernel/sync"
)

func offsetPtr(base uintptr, off uint) unsafe.Pointer {
	return unsafe.Pointer(base + uintptr(off))
}

// kernelPDStart is the page-directory index of the classic 3GB/1GB
// user/kernel split (0xC0000000 >> 22 == 768). MMUCloneSpace shares PDEs at
// or above this index verbatim, the same trick amd64/arm64 use one level
// higher up.
const kernelPDStart = 768

// The same dual-8259 PIC mask registers (OCW1) amd64 uses: IRQs 0-7 mask at
// 0x21, IRQs 8-15 at 0xA1. This backend's eoiPIC already assumes the 8259
// pair rather than an APIC, so InterruptMask/InterruptUnmask program the
// same controller EOI already targets.
const (
	picMasterData = 0x21
	picSlaveData  = 0xA1
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

func enableInterrupts()
func disableInterrupts()
func halt()
func invlpg(vaddr uintptr)
func reloadCR3(root uintptr)
func readCR3() uintptr
func readCR2() uintptr
func readEflags() uintptr
func outb(port uint16, v uint8)
func outw(port uint16, v uint16)
func outl(port uint16, v uint32)
func inb(port uint16) uint8
func inw(port uint16) uint16
func inl(port uint16) uint32
func cpuidMaxLeaf() uint32
func eoiPIC(irq uint8)

// Descriptor is the ptwalk parameterization for x86 non-PAE 2-level
// paging. Entries travel as 64-bit ptwalk.Entry values for uniformity with
// kernel/hal/ptwalk.Table, but pageTable reads and writes them in memory as
// the real hardware's 4-byte PDE/PTE, so 1024 of them fill one 4KB frame.
// The upper 32 bits are never populated, so the narrowing loses nothing.
var Descriptor = ptwalk.Descriptor{
	Levels:       2,
	BitsPerLevel: 10,
	ShiftOf:      func(level int) uint { return uint(22 - level*10) },
	EncodeFlags:  encodeFlags,
	DecodeFlags:  decodeFlags,
	FrameMask:    0x00000000fffff000,
	PresentBit:   1 << 0,
}

const (
	peWrite    = 1 << 1
	peUser     = 1 << 2
	peWriteThru = 1 << 3
	peCacheDis = 1 << 4
	peAccessed = 1 << 5
	peDirty    = 1 << 6
	peCOW      = 1 << 9
)

// encodeFlags has no NX bit to set: non-PAE x86 cannot mark a page
// non-executable, so hal.FlagExec is accepted but has no effect here.
func encodeFlags(f hal.PageFlags) uint64 {
	var e uint64
	if f&hal.FlagWrite != 0 {
		e |= peWrite
	}
	if f&hal.FlagUser != 0 {
		e |= peUser
	}
	if f&hal.FlagNoCache != 0 {
		e |= peCacheDis
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
	f := hal.FlagExec // always executable on non-PAE hardware
	if raw&1 != 0 {
		f |= hal.FlagPresent
	}
	if raw&peWrite != 0 {
		f |= hal.FlagWrite
	}
	if raw&peUser != 0 {
		f |= hal.FlagUser
	}
	if raw&peCacheDis != 0 {
		f |= hal.FlagNoCache
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

// Backend implements hal.HAL and hal.PortIO for 32-bit x86.
type Backend struct {
	alloc     *pmm.Allocator
	linearMap func(mem.Paddr) uintptr

	cpuReady bool
	irqReady bool
	mmuReady bool
	timerHz  uint32
	timerCB  hal.TimerCallback

	// masterRoot is the first root MMUCreateSpace ever allocated, seeded
	// into every later space's kernel half. See amd64's identical field.
	masterRoot mem.Paddr
}

var (
	_ hal.HAL    = (*Backend)(nil)
	_ hal.PortIO = (*Backend)(nil)
)

// New builds the x86 backend.
func New(alloc *pmm.Allocator, linearMap func(mem.Paddr) uintptr) *Backend {
	return &Backend{alloc: alloc, linearMap: linearMap, masterRoot: mem.InvalidPaddr}
}

// resolveSpace resolves the hal.CurrentSpace sentinel to the root CR3
// actually has loaded; any other value passes through unchanged.
func (b *Backend) resolveSpace(space hal.AddrSpace) mem.Paddr {
	if space == hal.CurrentSpace {
		return mem.Paddr(readCR3())
	}
	return mem.Paddr(space)
}

func (b *Backend) table() ptwalk.Table { return pageTable{b} }

type pageTable struct{ b *Backend }

func (t pageTable) ReadEntry(root mem.Paddr, idx uint) ptwalk.Entry {
	p := (*uint32)(offsetPtr(t.b.linearMap(root), idx*4))
	return ptwalk.Entry(*p)
}

func (t pageTable) WriteEntry(root mem.Paddr, idx uint, e ptwalk.Entry) {
	p := (*uint32)(offsetPtr(t.b.linearMap(root), idx*4))
	*p = uint32(e)
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
func (b *Backend) InterruptEnable()  { enableInterrupts() }
func (b *Backend) InterruptDisable() { disableInterrupts() }
func (b *Backend) InterruptSave() sync.IRQToken {
	tok := sync.IRQToken(readEflags())
	disableInterrupts()
	return tok
}

const eflagsIF = 1 << 9

func (b *Backend) InterruptRestore(tok sync.IRQToken) {
	if tok&eflagsIF != 0 {
		enableInterrupts()
	}
}
func (b *Backend) InterruptEOI(irq uint8)     { eoiPIC(irq) }
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

func (b *Backend) MMUFlushTLB(v mem.Vaddr) { invlpg(uintptr(v)) }
func (b *Backend) MMUFlushTLBAll()         { reloadCR3(readCR3()) }

// MMUCreateSpace allocates a root frame. The first call bootstraps the
// master kernel directory; every later call seeds the new root's
// kernel-half PDEs (index >= kernelPDStart) from it, mirroring amd64.
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
	for i := uint(kernelPDStart); i < n; i++ {
		e := t.ReadEntry(b.masterRoot, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		t.WriteEntry(root, i, e)
		b.alloc.ProtectFrame(mem.Paddr(uint64(e) & Descriptor.FrameMask))
	}
	return hal.AddrSpace(root)
}

func (b *Backend) MMUCloneSpace(src hal.AddrSpace) hal.AddrSpace {
	root, ok := b.table().AllocTable()
	if !ok {
		return hal.InvalidSpace
	}

	srcRoot := b.resolveSpace(src)
	t := b.table()
	n := uint(1) << Descriptor.BitsPerLevel
	for i := uint(0); i < n; i++ {
		e := t.ReadEntry(srcRoot, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		if i >= kernelPDStart {
			t.WriteEntry(root, i, e)
			continue
		}

		childSrc := mem.Paddr(uint64(e) & Descriptor.FrameMask)
		childDst, ok := b.cloneLeafTable(childSrc)
		if !ok {
			return hal.InvalidSpace
		}
		flags := uint64(e) &^ Descriptor.FrameMask
		t.WriteEntry(root, i, ptwalk.Entry(uint64(childDst)&Descriptor.FrameMask|flags))
	}
	return hal.AddrSpace(root)
}

// cloneLeafTable duplicates a single page table (the only intermediate
// level below the page directory in 2-level x86 paging), sharing leaf
// frames copy-on-write.
func (b *Backend) cloneLeafTable(srcTable mem.Paddr) (mem.Paddr, bool) {
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
	}
	return dst, true
}

// MMUDestroySpace tears down a 2-level x86 tree: every present leaf in a
// user-half page table is refcount-decremented and freed only once nothing
// else references it, the page table itself is then freed unconditionally,
// and kernel-half PDEs are unprotected since the master directory still
// owns those frames. See DESIGN.md's Open Question 3 for the narrower
// mid-unmap intermediate-table reclaim question this leaves open.
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
		if i >= kernelPDStart {
			b.alloc.UnprotectFrame(frame)
			continue
		}
		b.destroyLeafTable(frame)
	}
}

func (b *Backend) destroyLeafTable(table mem.Paddr) {
	t := b.table()
	n := uint(1) << Descriptor.BitsPerLevel

	for i := uint(0); i < n; i++ {
		e := t.ReadEntry(table, i)
		if uint64(e)&Descriptor.PresentBit == 0 {
			continue
		}
		frame := mem.Paddr(uint64(e) & Descriptor.FrameMask)
		if rc, err := b.alloc.RefDec(frame); err == nil && rc == 0 {
			b.alloc.FreeFrame(frame)
		}
	}
	b.alloc.FreeFrame(table)
}

func (b *Backend) MMUSwitchSpace(s hal.AddrSpace) { reloadCR3(uintptr(s)) }

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
)

// decodeFaultErrorCode is the same #PF error-code layout amd64 uses; x86
// has no instruction-fetch distinction without PAE+NX, so IsExec is always
// false here.
func decodeFaultErrorCode(faultAddr mem.Vaddr, code uint64) hal.PageFaultInfo {
	return hal.PageFaultInfo{
		FaultAddr: faultAddr,
		IsPresent: code&pfPresent != 0,
		IsWrite:   code&pfWrite != 0,
		IsUser:    code&pfUser != 0,
		RawError:  code,
	}
}

var lastFaultErrorCode uint64

func readFaultErrorCode() uint64 { return lastFaultErrorCode }

// SetFaultErrorCodeForTest overrides the value MMUParseFault reads.
func SetFaultErrorCodeForTest(code uint64) { lastFaultErrorCode = code }

func (b *Backend) TimerInit(hz uint32, callback hal.TimerCallback) {
	b.timerHz = hz
	b.timerCB = callback
}
func (b *Backend) TimerGetTicks() uint64     { return 0 }
func (b *Backend) TimerGetFrequency() uint32 { return b.timerHz }

// SyscallInit is a no-op here: `int 0x80` traps through an IDT gate, unlike
// amd64's SYSCALL which needs a separate EFER.SCE enable before it stops
// raising #UD. This backend does not install the IDT itself; InterruptInit
// only records readiness.
func (b *Backend) SyscallInit(handler func()) {}

func (b *Backend) EnterUsermode(entry, sp mem.Vaddr) {}

func (b *Backend) MemoryBarrier()      { cpuidMaxLeaf() }
func (b *Backend) ReadBarrier()        { cpuidMaxLeaf() }
func (b *Backend) WriteBarrier()       { cpuidMaxLeaf() }
func (b *Backend) InstructionBarrier() { cpuidMaxLeaf() }

func (b *Backend) MMIORead8(addr uintptr) uint8   { return *(*uint8)(offsetPtr(addr, 0)) }
func (b *Backend) MMIORead16(addr uintptr) uint16 { return *(*uint16)(offsetPtr(addr, 0)) }
func (b *Backend) MMIORead32(addr uintptr) uint32 { return *(*uint32)(offsetPtr(addr, 0)) }
func (b *Backend) MMIORead64(addr uintptr) uint64 { return *(*uint64)(offsetPtr(addr, 0)) }
func (b *Backend) MMIOWrite8(addr uintptr, v uint8)   { *(*uint8)(offsetPtr(addr, 0)) = v }
func (b *Backend) MMIOWrite16(addr uintptr, v uint16) { *(*uint16)(offsetPtr(addr, 0)) = v }
func (b *Backend) MMIOWrite32(addr uintptr, v uint32) { *(*uint32)(offsetPtr(addr, 0)) = v }
func (b *Backend) MMIOWrite64(addr uintptr, v uint64) { *(*uint64)(offsetPtr(addr, 0)) = v }

func (b *Backend) PortRead8(port uint16) uint8   { return inb(port) }
func (b *Backend) PortRead16(port uint16) uint16 { return inw(port) }
func (b *Backend) PortRead32(port uint16) uint32 { return inl(port) }
func (b *Backend) PortWrite8(port uint16, v uint8)   { outb(port, v) }
func (b *Backend) PortWrite16(port uint16, v uint16) { outw(port, v) }
func (b *Backend) PortWrite32(port uint16, v uint32) { outl(port, v) }
