// Package tracererr defines the error-kind taxonomy shared by every
// subsystem: INVALID_ARGUMENT, STATE, FULL/NO_SPACE, IO_FAILURE,
// NOT_FOUND/ALREADY and PARSE.
package tracererr

import "errors"

// Kind is one of the error categories every subsystem surfaces.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	State
	Full
	NoSpace
	IOFailure
	NotFound
	Already
	Parse
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case State:
		return "state"
	case Full:
		return "full"
	case NoSpace:
		return "no_space"
	case IOFailure:
		return "io_failure"
	case NotFound:
		return "not_found"
	case Already:
		return "already"
	case Parse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error wraps a message with a Kind so callers can classify it with As/Is
// without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
