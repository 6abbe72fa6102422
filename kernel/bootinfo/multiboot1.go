package bootinfo

import "unsafe"

// mb1Info mirrors the fixed-layout multiboot_info struct the Multiboot 1
// specification defines. Unlike Multiboot2's tag stream, every field has a
// constant offset gated by a flags bitmask telling us which ones the
// bootloader actually populated.
type mb1Info struct {
	flags           uint32
	memLower        uint32
	memUpper        uint32
	bootDevice      uint32
	cmdline         uint32
	modsCount       uint32
	modsAddr        uint32
	_               [4]uint32 // syms union, unused
	mmapLength      uint32
	mmapAddr        uint32
	drivesLength    uint32
	drivesAddr      uint32
	configTable     uint32
	bootLoaderName  uint32
	apmTable        uint32
	vbeControlInfo  uint32
	vbeModeInfo     uint32
	vbeMode         uint16
	vbeInterfaceSeg uint16
	vbeInterfaceOff uint16
	vbeInterfaceLen uint16
}

const (
	mb1FlagMem      = 1 << 0
	mb1FlagCmdline  = 1 << 2
	mb1FlagModules  = 1 << 3
	mb1FlagMmap     = 1 << 6
)

type mb1MmapEntry struct {
	size      uint32
	baseAddr  uint64
	length    uint64
	entryType uint32
}

type mb1ModuleEntry struct {
	modStart uint32
	modEnd   uint32
	cmdline  uint32
	pad      uint32
}

// ParseMultiboot1 decodes the fixed-layout multiboot_info struct at
// infoPtr, as produced by a Multiboot 1 (GRUB legacy) bootloader.
func ParseMultiboot1(infoPtr uintptr) *Info {
	raw := (*mb1Info)(unsafe.Pointer(infoPtr))
	info := &Info{Protocol: ProtocolMultiboot1, ArchBlob: infoPtr}

	if raw.flags&mb1FlagMem != 0 {
		info.MemoryMap = append(info.MemoryMap,
			MemoryMapEntry{PhysAddress: 0, Length: uint64(raw.memLower) * 1024, Type: MemAvailable},
			MemoryMapEntry{PhysAddress: 1024 * 1024, Length: uint64(raw.memUpper) * 1024, Type: MemAvailable},
		)
	}

	if raw.flags&mb1FlagMmap != 0 {
		info.MemoryMap = nil // the detailed map supersedes the lower/upper estimate
		cur := uintptr(raw.mmapAddr)
		end := cur + uintptr(raw.mmapLength)
		for cur < end {
			e := (*mb1MmapEntry)(unsafe.Pointer(cur))
			info.MemoryMap = append(info.MemoryMap, MemoryMapEntry{
				PhysAddress: e.baseAddr,
				Length:      e.length,
				Type:        normalizeMemType(e.entryType, uint32(memUnknown)),
			})
			cur += uintptr(e.size) + 4
		}
	}

	if raw.flags&mb1FlagCmdline != 0 {
		info.Cmdline = cStringAt(uintptr(raw.cmdline), 4096)
	}

	if raw.flags&mb1FlagModules != 0 && raw.modsCount > 0 {
		cur := uintptr(raw.modsAddr)
		for i := uint32(0); i < raw.modsCount; i++ {
			m := (*mb1ModuleEntry)(unsafe.Pointer(cur))
			mod := Module{Start: uint64(m.modStart), End: uint64(m.modEnd)}
			if m.cmdline != 0 {
				mod.Cmdline = cStringAt(uintptr(m.cmdline), 4096)
			}
			info.Modules = append(info.Modules, mod)
			cur += unsafe.Sizeof(mb1ModuleEntry{})
		}
	}

	info.TotalMemory = info.TotalUsable()
	return info
}
