// Package errs defines the error taxonomy shared across the codec pipeline.
//
// Every failure that crosses a package boundary (codestream parsing, tile
// decoding, configuration validation) is wrapped in an *Error carrying one of
// a fixed set of Kinds so callers can branch on errors.Is/errors.As instead
// of matching message strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// InvalidParameter indicates a configuration value outside the
	// standard's permissible range, or self-inconsistent (e.g.
	// decomposition_levels too large for the tile size).
	InvalidParameter Kind = iota
	// MalformedBytestream indicates an invalid marker sequence, an
	// inconsistent length field, an unsupported marker, or a
	// bit-stuffing violation.
	MalformedBytestream
	// UnsupportedFeature indicates the codestream requires a Part not
	// implemented, or signals capabilities the decoder cannot satisfy.
	UnsupportedFeature
	// TruncatedInput indicates end-of-stream was reached before a
	// required marker or payload completed.
	TruncatedInput
	// MemoryLimitExceeded indicates a caller-configured byte budget
	// would be exceeded.
	MemoryLimitExceeded
	// OperationCancelled indicates the caller's cancellation token was
	// observed.
	OperationCancelled
	// InternalError indicates an invariant was violated: an
	// encoder/decoder divergence, an out-of-range context-state index,
	// or a bit-plane count exceeding bit_depth + guard_bits. Internal
	// errors are not recovered; they terminate the operation.
	InternalError
)

// String returns the name of the error kind.
func (k Kind) String() string {
	switch k {
	case InvalidParameter:
		return "InvalidParameter"
	case MalformedBytestream:
		return "MalformedBytestream"
	case UnsupportedFeature:
		return "UnsupportedFeature"
	case TruncatedInput:
		return "TruncatedInput"
	case MemoryLimitExceeded:
		return "MemoryLimitExceeded"
	case OperationCancelled:
		return "OperationCancelled"
	case InternalError:
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned at package boundaries.
type Error struct {
	Kind Kind
	// Location tags the component that detected the failure, e.g.
	// "tcd.decodeTile" or "codestream.readSIZ". Primarily used by
	// InternalError so an invariant violation can be traced back to the
	// pipeline stage that raised it.
	Location string
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Location != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Location, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Location, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.MalformedBytestream, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error with a wrapped cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WrapLocation constructs an *Error with a location tag and a wrapped cause.
// Intended for InternalError: an invariant violation detected deep in the
// pipeline should carry enough context to find the offending stage without
// a debugger.
func WrapLocation(kind Kind, location, msg string, cause error) *Error {
	return &Error{Kind: kind, Location: location, Msg: msg, Cause: cause}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and whether one
// was found.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
