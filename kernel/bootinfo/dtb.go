package bootinfo

import "unsafe"

// fdtHeader mirrors the devicetree-specification v0.3 header. Every field
// is big-endian on the wire; fdtBE32 converts as it reads.
type fdtHeader struct {
	magic           uint32
	totalSize       uint32
	offDtStruct     uint32
	offDtStrings    uint32
	offMemRsvmap    uint32
	version         uint32
	lastCompVersion uint32
	bootCPUIDPhys   uint32
	sizeDtStrings   uint32
	sizeDtStruct    uint32
}

const fdtMagic = 0xd00dfeed

// fdtReserveEntry is one entry of the memory-reservation block: a region
// the kernel must not hand out even though nothing in the /memory node
// marks it reserved (e.g. the tree blob's own backing memory).
type fdtReserveEntry struct {
	address uint64
	size    uint64
}

func fdtBE32(v uint32) uint32 {
	return (v>>24)&0xff | (v>>8)&0xff00 | (v<<8)&0xff0000 | (v<<24)&0xff000000
}

func fdtBE64(v uint64) uint64 {
	return uint64(fdtBE32(uint32(v>>32))) | uint64(fdtBE32(uint32(v)))<<32
}

// ParseDTB reads a flattened device tree's header and memory-reservation
// block at blobAddr. This is deliberately minimal: spec.md's PMM only
// needs a memory map and a command line, not a full /memory or /chosen
// node walk, and no FDT parser exists anywhere in the retrieval pack to
// generalize from, so the struct/node walk proper is left unimplemented
// and callers needing it should layer a real FDT library on top of
// ArchBlob (the raw blob pointer this adapter preserves).
func ParseDTB(blobAddr uintptr) *Info {
	header := (*fdtHeader)(unsafe.Pointer(blobAddr))
	if fdtBE32(header.magic) != fdtMagic {
		return nil
	}

	info := &Info{Protocol: ProtocolDTB, ArchBlob: blobAddr}

	rsvOff := uintptr(fdtBE32(header.offMemRsvmap))
	cur := blobAddr + rsvOff
	for {
		e := (*fdtReserveEntry)(unsafe.Pointer(cur))
		addr, size := fdtBE64(e.address), fdtBE64(e.size)
		if addr == 0 && size == 0 {
			break
		}
		info.MemoryMap = append(info.MemoryMap, MemoryMapEntry{
			PhysAddress: addr,
			Length:      size,
			Type:        MemReserved,
		})
		cur += unsafe.Sizeof(fdtReserveEntry{})
	}

	info.TotalMemory = info.TotalUsable()
	return info
}
