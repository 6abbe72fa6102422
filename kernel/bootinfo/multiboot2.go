package bootinfo

import "unsafe"

type mb2TagType uint32

const (
	mb2TagEnd mb2TagType = iota
	mb2TagCmdline
	mb2TagBootLoaderName
	mb2TagModules
	mb2TagBasicMemInfo
	mb2TagBiosBootDevice
	mb2TagMemoryMap
	mb2TagVBEInfo
	mb2TagFramebufferInfo
	mb2TagELFSymbols
	mb2TagAPMTable
)

type mb2Header struct {
	totalSize uint32
	reserved  uint32
}

type mb2TagHeader struct {
	tagType mb2TagType
	size    uint32
}

type mb2MmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

type mb2MmapEntry struct {
	physAddress uint64
	length      uint64
	entryType   uint32
	reserved    uint32
}

type mb2FramebufferInfo struct {
	PhysAddr uint64
	Pitch    uint32
	Width    uint32
	Height   uint32
	Bpp      uint8
	Type     uint8
	_        uint8 // reserved padding byte per the multiboot2 spec
}

// ParseMultiboot2 walks the tag-based info structure GRUB2 and most modern
// bootloaders hand off at infoPtr, following the same 8-byte-aligned tag
// scan as the teacher's kernel/hal/multiboot/multiboot.go.
func ParseMultiboot2(infoPtr uintptr) *Info {
	info := &Info{Protocol: ProtocolMultiboot2, ArchBlob: infoPtr}

	if p, size := findMB2Tag(infoPtr, mb2TagCmdline); size != 0 {
		info.Cmdline = cStringAt(p, size)
	}

	if p, size := findMB2Tag(infoPtr, mb2TagMemoryMap); size != 0 {
		header := (*mb2MmapHeader)(unsafe.Pointer(p))
		end := p + uintptr(size)
		cur := p + 8
		for cur < end {
			e := (*mb2MmapEntry)(unsafe.Pointer(cur))
			info.MemoryMap = append(info.MemoryMap, MemoryMapEntry{
				PhysAddress: e.physAddress,
				Length:      e.length,
				Type:        normalizeMemType(e.entryType, uint32(memUnknown)),
			})
			cur += uintptr(header.entrySize)
		}
	}

	if p, size := findMB2Tag(infoPtr, mb2TagFramebufferInfo); size != 0 {
		raw := (*mb2FramebufferInfo)(unsafe.Pointer(p))
		info.Framebuffer = &FramebufferInfo{
			PhysAddr: raw.PhysAddr,
			Pitch:    raw.Pitch,
			Width:    raw.Width,
			Height:   raw.Height,
			Bpp:      raw.Bpp,
			Type:     FramebufferType(raw.Type) + 1,
		}
	}

	if p, size := findMB2Tag(infoPtr, mb2TagModules); size != 0 {
		info.Modules = append(info.Modules, parseMB2Module(p, size))
	}

	info.TotalMemory = info.TotalUsable()
	return info
}

type mb2ModuleHeader struct {
	modStart uint32
	modEnd   uint32
}

func parseMB2Module(p uintptr, size uint32) Module {
	header := (*mb2ModuleHeader)(unsafe.Pointer(p))
	return Module{
		Start:   uint64(header.modStart),
		End:     uint64(header.modEnd),
		Cmdline: cStringAt(p+8, size-8),
	}
}

func findMB2Tag(infoPtr uintptr, want mb2TagType) (uintptr, uint32) {
	cur := infoPtr + 8
	for {
		tag := (*mb2TagHeader)(unsafe.Pointer(cur))
		if tag.tagType == mb2TagEnd {
			return 0, 0
		}
		if tag.tagType == want {
			return cur + 8, tag.size - 8
		}
		cur += uintptr((tag.size + 7) &^ 7)
	}
}

func cStringAt(p uintptr, maxLen uint32) string {
	buf := make([]byte, 0, maxLen)
	for i := uint32(0); i < maxLen; i++ {
		b := *(*byte)(unsafe.Pointer(p + uintptr(i)))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}
