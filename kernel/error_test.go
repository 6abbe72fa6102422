package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := New("foo", ErrInvalidAddress, "error message")

	if got, want := err.Error(), "foo: error message"; got != want {
		t.Fatalf("expected err.Error() to return %q; got %q", want, got)
	}

	if err.Kind.String() != "invalid address" {
		t.Fatalf("unexpected Kind.String(): %q", err.Kind.String())
	}
}

func TestNilError(t *testing.T) {
	var err *Error
	if got, want := err.Error(), "<nil>"; got != want {
		t.Fatalf("expected nil *Error.Error() to return %q; got %q", want, got)
	}
}
