//go:build amd64

package trap

// The amd64 syscall instruction is 2 bytes; the CPU leaves RIP pointing at
// it rather than past it, so the return path must advance PC itself or
// re-execute the same syscall forever.
func init() {
	advancePC = func(frame *RegFrame) { frame.PC += 2 }
}
