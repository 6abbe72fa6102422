package kernel

// ErrKind classifies a kernel Error so that callers can decide how to react
// without string-matching the message. PMM/VMM surface failures through
// these kinds; the trap core converts them into resumption, a user signal,
// or a panic.
type ErrKind uint8

const (
	// ErrNone is the zero value; never attached to a non-nil *Error.
	ErrNone ErrKind = iota

	// ErrOutOfMemory is raised when PMM or VMM cannot allocate a frame or
	// table.
	ErrOutOfMemory

	// ErrInvalidAddress is raised for a misaligned or out-of-range
	// argument. Logged and returned; never panics on its own.
	ErrInvalidAddress

	// ErrNotMapped is raised by unmap/query on an absent mapping.
	ErrNotMapped

	// ErrNotSupported is raised for a logical IRQ the platform lacks, or
	// any operation a platform does not implement.
	ErrNotSupported

	// ErrDoubleFree is raised when free_frame is called on a frame that
	// is already free. Logged and otherwise ignored by the caller.
	ErrDoubleFree

	// ErrCorruption is raised when a bitmap or PTE self-check fails. The
	// offending operation is refused; the kernel never proceeds past it
	// silently.
	ErrCorruption

	// ErrFatalFault marks a kernel-mode page fault that could not be
	// resolved; the caller must panic.
	ErrFatalFault

	// ErrUserFatalSignal marks a user-mode fault that could not be
	// resolved; the caller must terminate the current task.
	ErrUserFatalSignal
)

// String returns a short, human-readable name for the error kind.
func (k ErrKind) String() string {
	switch k {
	case ErrOutOfMemory:
		return "out of memory"
	case ErrInvalidAddress:
		return "invalid address"
	case ErrNotMapped:
		return "not mapped"
	case ErrNotSupported:
		return "not supported"
	case ErrDoubleFree:
		return "double free"
	case ErrCorruption:
		return "corruption detected"
	case ErrFatalFault:
		return "fatal fault"
	case ErrUserFatalSignal:
		return "user fatal signal"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. Kernel errors are built as *Error values
// rather than via errors.New because, at most of the points where they are
// raised, the Go allocator is not yet available.
type Error struct {
	// Module is the subsystem that raised the error (e.g. "pmm", "vmm").
	Module string

	// Kind classifies the error for programmatic handling.
	Kind ErrKind

	// Message is a short human-readable description.
	Message string
}

// New builds an *Error.
func New(module string, kind ErrKind, message string) *Error {
	return &Error{Module: module, Kind: kind, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Module + ": " + e.Message
}
