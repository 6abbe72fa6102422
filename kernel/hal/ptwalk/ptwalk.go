// Package ptwalk implements a single generic page-table walker shared by
// the amd64, arm64 and x86 HAL backends. Each backend differs only in the
// number of levels, the bits consumed per level and the PTE flag encoding;
// ptwalk captures the walk algorithm once and takes those differences as a
// Descriptor value, per the multi-level-paging design the teacher's
// recursive-mapping PDT walker (kernel/mem/vmm/pdt.go) hard-codes for a
// single architecture.
package ptwalk

import (
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/mem"
)

// Entry is a single 64-bit page table entry, the form all three supported
// architectures share at this layer. x86's 32-bit non-PAE entries are
// carried in it too; that backend's Table narrows them to 4 bytes when it
// reads and writes table memory.
type Entry uint64

// Descriptor parameterizes the walker for one architecture's paging mode.
type Descriptor struct {
	// Levels is the number of page table levels, top to bottom (e.g. 4
	// for amd64 long mode, 4 for AArch64 4KB granule, 2 for x86 PAE-less).
	Levels int

	// BitsPerLevel is the number of virtual address bits consumed per
	// level (9 for 4KB-page amd64/arm64).
	BitsPerLevel uint

	// ShiftOf returns the bit shift into the virtual address for table
	// level idx (0 = top level).
	ShiftOf func(level int) uint

	// EncodeFlags converts the neutral PageFlags bitset into this
	// architecture's PTE flag bits (PRESENT/WRITE/USER/... plus the
	// software-available COW bit).
	EncodeFlags func(hal.PageFlags) uint64

	// DecodeFlags is the inverse of EncodeFlags.
	DecodeFlags func(uint64) hal.PageFlags

	// FrameMask isolates the physical frame address bits of a raw entry
	// (everything except flag and software bits).
	FrameMask uint64

	// PresentBit is the architecture's single "entry valid" bit, checked
	// independently of the EncodeFlags/DecodeFlags mapping so the walker
	// can tell a never-mapped slot from a merely protection-less one.
	PresentBit uint64
}

// Table abstracts reading/writing the physical memory backing a page table.
// Production HAL code backs this with the kernel's own linear map; tests
// back it with kernel/hosttest.Arena.Linear so no real MMU is required.
type Table interface {
	// ReadEntry returns the entry at index idx within the table rooted at
	// root; WriteEntry stores e there.
	ReadEntry(root mem.Paddr, idx uint) Entry
	WriteEntry(root mem.Paddr, idx uint, e Entry)

	// AllocTable allocates and zeroes a fresh table, returning its
	// physical address.
	AllocTable() (mem.Paddr, bool)
}

func index(v mem.Vaddr, shift, bits uint) uint {
	return uint((uint64(v) >> shift) & ((1 << bits) - 1))
}

// Walk descends root through d.Levels-1 intermediate tables to the leaf
// table covering v, allocating any missing intermediate table when
// createMissing is true. It returns the leaf table's physical address and
// the index of v's entry within it.
func Walk(d Descriptor, t Table, root mem.Paddr, v mem.Vaddr, createMissing bool) (leaf mem.Paddr, idx uint, ok bool) {
	cur := root
	for level := 0; level < d.Levels-1; level++ {
		i := index(v, d.ShiftOf(level), d.BitsPerLevel)
		e := t.ReadEntry(cur, i)

		if uint64(e)&d.PresentBit == 0 {
			if !createMissing {
				return 0, 0, false
			}
			next, allocated := t.AllocTable()
			if !allocated {
				return 0, 0, false
			}
			flags := d.EncodeFlags(hal.FlagPresent | hal.FlagWrite | hal.FlagUser)
			t.WriteEntry(cur, i, Entry(uint64(next)&d.FrameMask|flags|d.PresentBit))
			cur = next
			continue
		}

		cur = mem.Paddr(uint64(e) & d.FrameMask)
	}

	return cur, index(v, d.ShiftOf(d.Levels-1), d.BitsPerLevel), true
}

// Map installs a v -> p translation with the given flags, creating
// intermediate tables as needed. It returns false if an intermediate table
// could not be allocated.
func Map(d Descriptor, t Table, root mem.Paddr, v mem.Vaddr, p mem.Paddr, flags hal.PageFlags) bool {
	leaf, idx, ok := Walk(d, t, root, v, true)
	if !ok {
		return false
	}

	entry := uint64(p)&d.FrameMask | d.EncodeFlags(flags) | d.PresentBit
	t.WriteEntry(leaf, idx, Entry(entry))
	return true
}

// Unmap clears v's translation and returns the physical address it used to
// point to, or mem.InvalidPaddr if v was not mapped.
func Unmap(d Descriptor, t Table, root mem.Paddr, v mem.Vaddr) mem.Paddr {
	leaf, idx, ok := Walk(d, t, root, v, false)
	if !ok {
		return mem.InvalidPaddr
	}

	e := t.ReadEntry(leaf, idx)
	if uint64(e)&d.PresentBit == 0 {
		return mem.InvalidPaddr
	}

	old := mem.Paddr(uint64(e) & d.FrameMask)
	t.WriteEntry(leaf, idx, Entry(0))
	return old
}

// Query performs a read-only lookup of v's translation.
func Query(d Descriptor, t Table, root mem.Paddr, v mem.Vaddr) (mem.Paddr, hal.PageFlags, bool) {
	leaf, idx, ok := Walk(d, t, root, v, false)
	if !ok {
		return mem.InvalidPaddr, 0, false
	}

	e := t.ReadEntry(leaf, idx)
	if uint64(e)&d.PresentBit == 0 {
		return mem.InvalidPaddr, 0, false
	}

	return mem.Paddr(uint64(e) & d.FrameMask), d.DecodeFlags(uint64(e)), true
}

// Protect bit-modifies the flags of an existing mapping without touching
// its physical frame.
func Protect(d Descriptor, t Table, root mem.Paddr, v mem.Vaddr, set, clear hal.PageFlags) bool {
	leaf, idx, ok := Walk(d, t, root, v, false)
	if !ok {
		return false
	}

	e := t.ReadEntry(leaf, idx)
	if uint64(e)&d.PresentBit == 0 {
		return false
	}

	flags := d.DecodeFlags(uint64(e))
	flags |= set
	flags &^= clear

	frame := uint64(e) & d.FrameMask
	t.WriteEntry(leaf, idx, Entry(frame|d.EncodeFlags(flags)|d.PresentBit))
	return true
}
