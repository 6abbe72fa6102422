package kernel

import "github.com/talon-os/talon/kernel/kfmt"

var (
	// haltFn is registered by the HAL during boot (hal.SetActive calls
	// kernel.SetHaltFunc(impl.CPUHalt)) and is mocked by tests.
	haltFn = func() {}

	errRuntimePanic = &Error{Module: "rt", Kind: ErrFatalFault, Message: "unknown cause"}
)

// SetHaltFunc registers the function used to stop the CPU once a panic has
// been reported. hal.SetActive calls this once while installing the HAL.
func SetHaltFunc(fn func()) {
	haltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic).
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case nil:
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error (%s): %s\n", err.Module, err.Kind.String(), err.Message)
	}
	kfmt.Printf("*** kernel panic: system halted ***")
	kfmt.Printf("\n-----------------------------------\n")

	haltFn()
}
