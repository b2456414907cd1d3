// Package errors provides error wrapping utilities and the update error taxonomy.
//
// Components return *Error values tagged with a Kind so the update engine can
// fold any failure into a short status message without inspecting strings.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an update failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindParse
	KindAssetNotFound
	KindCorruptArchive
	KindIO
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindParse:
		return "parse error"
	case KindAssetNotFound:
		return "asset not found"
	case KindCorruptArchive:
		return "corrupt archive"
	case KindIO:
		return "io error"
	case KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Sentinels for errors.Is matching against a Kind.
var (
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrParse          = &Error{Kind: KindParse}
	ErrAssetNotFound  = &Error{Kind: KindAssetNotFound}
	ErrCorruptArchive = &Error{Kind: KindCorruptArchive}
	ErrIO             = &Error{Kind: KindIO}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

// Error is a classified failure raised by one operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error for op. err may be nil.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is and As re-export the standard library helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
