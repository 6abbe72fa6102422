// Package hosttest backs PMM/VMM tests with a flat mmap'd region standing
// in for physical RAM, the way avagin-gvisor's KVM platform maps guest
// physical memory for its sentry tests. Only _test.go files import this
// package; production boot code never does.
package hosttest

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/talon-os/talon/kernel/mem"
)

// Arena is an anonymous mmap'd region that stands in for physical memory.
// Paddr 0 in the arena is the first byte of the mapping.
type Arena struct {
	base []byte
}

// NewArena mmaps size bytes (rounded up to a page) and returns an Arena
// backed by it.
func NewArena(size mem.Size) (*Arena, error) {
	length := int(size.Pages()) * int(mem.PageSize)
	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hosttest: mmap failed: %w", err)
	}

	return &Arena{base: b}, nil
}

// Close unmaps the arena. Safe to call once.
func (a *Arena) Close() error {
	if a.base == nil {
		return nil
	}
	err := unix.Munmap(a.base)
	a.base = nil
	return err
}

// Size returns the arena's capacity in bytes.
func (a *Arena) Size() mem.Size {
	return mem.Size(len(a.base))
}

// Linear maps a paddr within the arena to a usable Go pointer, standing in
// for the kernel's linear/identity map. It panics on an out-of-range paddr,
// matching the fault a real out-of-bounds physical access would raise.
func (a *Arena) Linear(p mem.Paddr) uintptr {
	if uint64(p) >= uint64(len(a.base)) {
		panic(fmt.Sprintf("hosttest: paddr %#x out of arena bounds (%d bytes)", p, len(a.base)))
	}
	return uintptr(unsafe.Pointer(&a.base[int(p)]))
}

// Bytes returns the arena's backing slice at offset p, for tests that want
// to inspect or corrupt memory directly rather than going through Linear.
func (a *Arena) Bytes(p mem.Paddr, n int) []byte {
	return a.base[int(p) : int(p)+n]
}
