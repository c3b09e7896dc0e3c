package kernel

// ErrorKind classifies a kernel Error. All kinds except KindNotMapped
// describe a torn invariant that the caller must not retry.
type ErrorKind uint8

const (
	// KindUnknown is the zero value used by errors that were not
	// explicitly classified.
	KindUnknown ErrorKind = iota

	// KindResourceExhausted is used when the frame source or the heap
	// arena cannot satisfy a request.
	KindResourceExhausted

	// KindProtocolViolation is used when a caller breaks the usage
	// contract of a component (e.g. maps a page twice or frees a block
	// that is not live).
	KindProtocolViolation

	// KindConfigViolation is used for requests that can never be satisfied
	// with the current configuration (e.g. a non power-of-two alignment).
	KindConfigViolation

	// KindNotMapped is reported by lookups for virtual addresses that are
	// not backed by a physical frame. It is the only recoverable kind.
	KindNotMapped

	// KindHalted is returned by components that refuse to serve any further
	// requests after a fatal error.
	KindHalted
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindResourceExhausted:
		return "resource exhausted"
	case KindProtocolViolation:
		return "protocol violation"
	case KindConfigViolation:
		return "configuration violation"
	case KindNotMapped:
		return "not mapped"
	case KindHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error classification.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Fatal returns true if the error leaves the reporting component in a state
// that must not be used any further.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindNotMapped:
		return false
	default:
		return true
	}
}
