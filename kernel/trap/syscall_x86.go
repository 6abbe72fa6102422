//go:build 386

package trap

// The x86 `int 0x80` instruction is 2 bytes; the CPU leaves EIP pointing at
// it rather than past it, so the return path must advance PC itself or
// re-execute the same syscall forever.
func init() {
	advancePC = func(frame *RegFrame) { frame.PC += 2 }
}
