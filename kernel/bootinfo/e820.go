package bootinfo

import "unsafe"

// e820Entry mirrors the 20-byte record real-mode INT 0x15, EAX=0xE820
// leaves in the buffer the second-stage bootloader built before entering
// protected/long mode. There is no bootloader-supplied header here (unlike
// Multiboot); the caller passes the entry count it already tracked across
// the real-mode call.
type e820Entry struct {
	baseAddr  uint64
	length    uint64
	entryType uint32
	// ACPI 3.0 extended attributes word; present when the BIOS returned a
	// 24-byte record. Harmless to read as zero on a 20-byte record, since
	// the caller always allocates the buffer in 24-byte strides.
	extAttrs uint32
}

const (
	e820TypeUsable        = 1
	e820TypeReserved      = 2
	e820TypeACPIReclaim   = 3
	e820TypeACPINVS       = 4
	e820TypeBad           = 5
)

// ParseBIOSE820 decodes count fixed-size E820 records starting at tableAddr,
// the format a legacy BIOS boot path collects before the kernel proper
// ever runs. cmdline is passed through verbatim since BIOS boot has no
// mechanism of its own for shipping one.
func ParseBIOSE820(tableAddr uintptr, count uint32, cmdline string) *Info {
	info := &Info{Protocol: ProtocolBIOSE820, Cmdline: cmdline, ArchBlob: tableAddr}

	cur := tableAddr
	for i := uint32(0); i < count; i++ {
		e := (*e820Entry)(unsafe.Pointer(cur))
		info.MemoryMap = append(info.MemoryMap, MemoryMapEntry{
			PhysAddress: e.baseAddr,
			Length:      e.length,
			Type:        e820ToNormalized(e.entryType),
		})
		cur += 24
	}

	info.TotalMemory = info.TotalUsable()
	return info
}

func e820ToNormalized(t uint32) MemoryEntryType {
	switch t {
	case e820TypeUsable:
		return MemAvailable
	case e820TypeACPIReclaim:
		return MemAcpiReclaimable
	case e820TypeACPINVS:
		return MemNvs
	case e820TypeReserved, e820TypeBad:
		return MemReserved
	default:
		return MemReserved
	}
}
