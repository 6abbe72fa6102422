// Package irq generalizes the teacher's amd64-only exception vector table
// (irq/handler_amd64.go) into a physical-IRQ dispatch table plus a
// logical-to-physical indirection layer (spec.md §4.5), so kernel/trap and
// device drivers can register against named IRQs ("TIMER", "KEYBOARD", ...)
// without knowing the platform's physical numbering.
package irq

import (
	"github.com/talon-os/talon/kernel"
	"github.com/talon-os/talon/kernel/hal"
	"github.com/talon-os/talon/kernel/kfmt"
	"github.com/talon-os/talon/kernel/trap"
)

// Logical names the architecture-agnostic IRQ sources spec.md §4.5 lists.
type Logical uint8

const (
	Timer Logical = iota
	Serial0
	Serial1
	DiskPrimary
	DiskSecondary
	Network
	USB
	RTC
	Mouse
	Keyboard

	numLogical
)

// NotAvailable marks a logical IRQ with no physical mapping on this
// platform.
const NotAvailable = -1

// Spurious is the IRQ number Dispatch treats as the controller's spurious
// sentinel (step 1 of spec.md §4.5): the GIC and local APIC each hand back
// a dedicated ID when they ack and find nothing actually pending. physIRQ
// reaches this package already resolved by the architecture's vector
// dispatch rather than read back from the controller here, so Spurious is
// modeled as the one physical IRQ number (255) no real device on any
// supported platform is ever mapped to.
const Spurious uint8 = 255

// Handler is a registered physical-IRQ callback; data is opaque and handed
// back unmodified, mirroring the teacher's ExceptionHandler convention of
// passing the frame through untouched.
type Handler func(physIRQ uint8, data interface{})

type entry struct {
	handler Handler
	data    interface{}
	inUse   bool
}

var (
	table       [256]entry
	logicalMap  [numLogical]int32
	tickCount   uint64
	tickCallback func()
)

// SetLogicalMap installs the platform's logical-to-physical IRQ table.
// Every logical IRQ absent from m is reset to NotAvailable first, so a
// missing key never falls back to physical IRQ 0, which is a valid number
// on every supported platform.
func SetLogicalMap(m map[Logical]int32) {
	for i := range logicalMap {
		logicalMap[i] = NotAvailable
	}
	for k, v := range m {
		logicalMap[k] = v
	}
}

// Init wires Dispatch into the trap core's IRQ-class path and asks the HAL
// to initialize the controller. Every subsequent ClassIRQ trap reaches this
// package through trap.Handler regardless of which architecture's assembly
// stub produced it.
func Init() {
	trap.SetIRQDispatch(Dispatch)
	hal.Active.InterruptInit()
}

// RegisterPhysical registers handler for a raw physical IRQ number and asks
// the HAL to unmask it at the controller. It is the low-level entry point;
// drivers normally go through RegisterLogical instead. The actual call on
// delivery always reaches handler through trap.Handler -> Dispatch rather
// than through the fn passed to InterruptRegister here; that argument only
// exists so architectures whose controller needs a live callback
// registered (rather than a bare enable/disable mask) have one to store.
func RegisterPhysical(physIRQ uint8, handler Handler, data interface{}) {
	table[physIRQ] = entry{handler: handler, data: data, inUse: true}
	hal.Active.InterruptRegister(physIRQ, dispatchEntry, nil)
	hal.Active.InterruptEnable()
}

var dispatchEntry hal.IRQHandlerFn = func(physIRQ uint8, _ interface{}) {
	Dispatch(physIRQ)
}

// UnregisterPhysical masks physIRQ at the controller and clears its table
// entry, per spec.md §4.5's unregistration contract.
func UnregisterPhysical(physIRQ uint8) {
	hal.Active.InterruptMask(physIRQ)
	table[physIRQ] = entry{}
}

// UnregisterLogical resolves kind to a physical IRQ and unregisters it.
// Platforms lacking the mapping return ErrNotSupported.
func UnregisterLogical(kind Logical) *kernel.Error {
	phys, err := resolveLogical(kind)
	if err != nil {
		return err
	}
	UnregisterPhysical(uint8(phys))
	return nil
}

// EnableLogical unmasks kind's physical IRQ at the controller without
// touching its table entry, for a driver that wants to resume delivery
// after a matching DisableLogical.
func EnableLogical(kind Logical) *kernel.Error {
	phys, err := resolveLogical(kind)
	if err != nil {
		return err
	}
	hal.Active.InterruptUnmask(uint8(phys))
	return nil
}

// DisableLogical masks kind's physical IRQ at the controller, leaving its
// handler registered so a later EnableLogical resumes delivery without
// re-registering.
func DisableLogical(kind Logical) *kernel.Error {
	phys, err := resolveLogical(kind)
	if err != nil {
		return err
	}
	hal.Active.InterruptMask(uint8(phys))
	return nil
}

// IsAvailable reports whether kind has a physical IRQ mapping on this
// platform.
func IsAvailable(kind Logical) bool {
	_, err := resolveLogical(kind)
	return err == nil
}

func resolveLogical(kind Logical) (int32, *kernel.Error) {
	if int(kind) >= len(logicalMap) {
		return 0, kernel.New("irq", kernel.ErrNotSupported, "unknown logical irq")
	}
	phys := logicalMap[kind]
	if phys < 0 {
		return 0, kernel.New("irq", kernel.ErrNotSupported, "logical irq not available on this platform")
	}
	return phys, nil
}

// RegisterLogical resolves kind to a physical IRQ via the installed
// logical map, registers handler against it, and enables it. Platforms
// lacking the mapping return ErrNotSupported rather than silently dropping
// the registration.
func RegisterLogical(kind Logical, handler Handler, data interface{}) *kernel.Error {
	phys, err := resolveLogical(kind)
	if err != nil {
		return err
	}

	RegisterPhysical(uint8(phys), handler, data)
	return nil
}

// Dispatch is called by kernel/trap for every ClassIRQ trap. Step 1 of
// spec.md §4.5 (acknowledge, bail out on the spurious sentinel) happens
// here since physIRQ already carries that resolved value; step 2 looks up
// the table and either invokes the handler (interrupts remain masked for
// the duration, per §4.5 reentrancy rules) or logs the IRQ as unhandled;
// step 3 signals EOI.
func Dispatch(physIRQ uint8) {
	if physIRQ == Spurious {
		kfmt.Printf("[irq] spurious interrupt\n")
		return
	}

	e := table[physIRQ]
	if e.inUse && e.handler != nil {
		e.handler(physIRQ, e.data)
	} else {
		kfmt.Printf("[irq] unhandled IRQ %d\n", physIRQ)
	}
	hal.Active.InterruptEOI(physIRQ)
}

// SetTickCallback installs the function called on every timer tick after
// the tick counter has been incremented and the countdown reprogrammed.
func SetTickCallback(fn func()) { tickCallback = fn }

// Ticks returns the number of timer ticks observed since InitTimer.
func Ticks() uint64 { return tickCount }

// InitTimer programs the hardware timer at hz with timerTick as the HAL's
// tick callback. It registers nothing against the Timer logical IRQ and
// always returns nil.
func InitTimer(hz uint32) *kernel.Error {
	hal.Active.TimerInit(hz, timerTick)
	return nil
}

// timerTick is the HAL's TimerCallback: it increments the tick counter,
// lets the HAL reprogram the next countdown (implicit in hardware timers
// that auto-reload; one-shot timers are re-armed by the HAL before this
// callback fires), and only then invokes the user callback, so a slow
// callback never causes a missed tick.
func timerTick() {
	tickCount++
	if tickCallback != nil {
		tickCallback()
	}
}
