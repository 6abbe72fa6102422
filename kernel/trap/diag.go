package trap

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/talon-os/talon/kernel/kfmt"
)

// readCodeFn fetches up to len(buf) bytes starting at pc from the faulting
// address space, for disassembly. Production code points this at the
// kernel's linear map of the current task's text segment; it is nil until
// an architecture backend installs it, so DisassembleFaultingInstruction
// degrades to reporting just the PC.
var readCodeFn func(pc uint64, buf []byte) int

// SetCodeReader installs the function used to fetch bytes at a faulting PC
// for disassembly.
func SetCodeReader(fn func(pc uint64, buf []byte) int) { readCodeFn = fn }

// DisassembleFaultingInstruction decodes the single instruction at pc on a
// 32- or 64-bit x86 target and prints it alongside the raw bytes, for
// inclusion in a panic or breakpoint dump. No HAL backend in this tree
// installs a code reader, so outside tests it reports only the PC.
func DisassembleFaultingInstruction(pc uint64, mode int) {
	if readCodeFn == nil {
		kfmt.Printf("pc=%x (no code reader installed)\n", pc)
		return
	}

	var buf [16]byte
	n := readCodeFn(pc, buf[:])
	if n == 0 {
		kfmt.Printf("pc=%x (could not read faulting instruction)\n", pc)
		return
	}

	inst, err := x86asm.Decode(buf[:n], mode)
	if err != nil {
		kfmt.Printf("pc=%x <bad instruction: %s>\n", pc, err.Error())
		return
	}

	kfmt.Printf("pc=%x %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
}
