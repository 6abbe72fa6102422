// Package sync provides the IRQ-aware synchronization primitive used by the
// PMM and VMM to protect their single global lock each.
package sync

import "sync/atomic"

// IRQToken is the opaque value returned by InterruptSave and consumed by
// InterruptRestore. Tokens are not interchangeable across CPUs and must not
// be inspected by callers.
type IRQToken uintptr

var (
	// interruptSaveFn and interruptRestoreFn are supplied by hal.SetActive;
	// they default to no-ops so packages that only need mutual
	// exclusion under `go test` (single goroutine, no real IRQs) work
	// without a HAL present.
	interruptSaveFn    = func() IRQToken { return 0 }
	interruptRestoreFn = func(IRQToken) {}
)

// SetInterruptFuncs registers the HAL's interrupt_save/interrupt_restore
// primitives. Called once during HAL init.
func SetInterruptFuncs(save func() IRQToken, restore func(IRQToken)) {
	interruptSaveFn = save
	interruptRestoreFn = restore
}

// IRQSpinlock is a spinlock that also disables interrupts for the duration
// of its critical section. It is the only lock type used by the PMM and the
// VMM: each owns exactly one, acquired with interrupts saved.
type IRQSpinlock struct {
	state uint32
}

// Acquire disables interrupts, returning the token needed to restore the
// prior interrupt state, then spins until the lock is held. Re-acquiring a
// lock already held by the caller deadlocks it.
func (l *IRQSpinlock) Acquire() IRQToken {
	tok := interruptSaveFn()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
	return tok
}

// Release releases the lock and restores the interrupt state captured by
// the matching Acquire.
func (l *IRQSpinlock) Release(tok IRQToken) {
	atomic.StoreUint32(&l.state, 0)
	interruptRestoreFn(tok)
}
