package trap

import (
	"testing"
)

func TestDisassembleFaultingInstructionNoReader(t *testing.T) {
	SetCodeReader(nil)
	// Must not panic when no code reader has been installed yet.
	DisassembleFaultingInstruction(0x1000, 64)
}

func TestDisassembleFaultingInstructionDecodesNop(t *testing.T) {
	defer SetCodeReader(nil)

	SetCodeReader(func(pc uint64, buf []byte) int {
		// 0x90 is NOP on x86; a single byte is enough to decode it.
		buf[0] = 0x90
		return 1
	})

	// Exercises the decode-success path; nothing to assert beyond "does
	// not panic", since output goes to kfmt's ring buffer sink.
	DisassembleFaultingInstruction(0x2000, 64)
}
