package kernel

import (
	"bytes"
	"testing"

	"github.com/talon-os/talon/kernel/kfmt"
)

func TestPanic(t *testing.T) {
	defer func() {
		haltFn = func() {}
	}()

	var haltCalled bool
	haltFn = func() {
		haltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		haltCalled = false
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		err := &Error{Module: "test", Kind: ErrFatalFault, Message: "panic test"}
		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error (fatal fault): panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected haltFn to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		haltCalled = false
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected haltFn to be called by Panic")
		}
	})

	t.Run("with string", func(t *testing.T) {
		haltCalled = false
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		Panic("plain string cause")

		exp := "\n-----------------------------------\n[rt] unrecoverable error (fatal fault): plain string cause\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !haltCalled {
			t.Fatal("expected haltFn to be called by Panic")
		}
	})
}
