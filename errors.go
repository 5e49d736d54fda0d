package storekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an error so callers can branch on semantics without
// parsing messages.
type ErrorKind string

const (
	KindUnexpected       ErrorKind = "Unexpected"
	KindNotFound         ErrorKind = "NotFound"
	KindNotADirectory    ErrorKind = "NotADirectory"
	KindIsADirectory     ErrorKind = "IsADirectory"
	KindAlreadyExists    ErrorKind = "AlreadyExists"
	KindUnsupported      ErrorKind = "Unsupported"
	KindConfigInvalid    ErrorKind = "ConfigInvalid"
	KindAuth             ErrorKind = "AuthError"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindTimeout          ErrorKind = "Timeout"
	KindCancelled        ErrorKind = "Cancelled"
	KindTransient        ErrorKind = "Transient"
	KindRateLimited      ErrorKind = "RateLimited"
)

// Retryable reports whether errors of this kind may succeed when retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Sentinel errors, one per kind. errors.Is(err, ErrNotFound) matches any
// *Error of kind NotFound.
var (
	ErrUnexpected       = &kindError{KindUnexpected}
	ErrNotFound         = &kindError{KindNotFound}
	ErrNotADirectory    = &kindError{KindNotADirectory}
	ErrIsADirectory     = &kindError{KindIsADirectory}
	ErrAlreadyExists    = &kindError{KindAlreadyExists}
	ErrUnsupported      = &kindError{KindUnsupported}
	ErrConfigInvalid    = &kindError{KindConfigInvalid}
	ErrAuth             = &kindError{KindAuth}
	ErrPermissionDenied = &kindError{KindPermissionDenied}
	ErrTimeout          = &kindError{KindTimeout}
	ErrCancelled        = &kindError{KindCancelled}
	ErrTransient        = &kindError{KindTransient}
	ErrRateLimited      = &kindError{KindRateLimited}
)

// Path-level errors raised before dispatch.
var (
	ErrPathTraversal = errors.New("path escapes root")
	ErrInvalidPath   = errors.New("invalid path")
)

type kindError struct {
	kind ErrorKind
}

func (e *kindError) Error() string { return string(e.kind) }

// Error is the error type returned by every Operator and Accessor call.
type Error struct {
	Kind     ErrorKind
	Op       Operation
	Path     string
	Scheme   Scheme
	Attempts int
	Err      error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op Operation, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("storekit: ")
	b.WriteString(string(e.Op))
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Scheme != "" {
		fmt.Fprintf(&b, " (%s)", e.Scheme)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (attempts=%d)", e.Attempts)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	if k, ok := target.(*kindError); ok {
		return k.kind == e.Kind
	}
	return false
}

// Temporary reports whether the error is classified retryable.
func (e *Error) Temporary() bool {
	return e.Kind.Retryable()
}

// WithScheme fills in the backend scheme if it is not yet set.
func (e *Error) WithScheme(s Scheme) *Error {
	if e.Scheme == "" {
		e.Scheme = s
	}
	return e
}

// KindOf returns the kind of err. Context errors map to Cancelled and
// Timeout; anything else that is not an *Error is Unexpected.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrPathTraversal), errors.Is(err, ErrInvalidPath):
		return KindPermissionDenied
	}
	return KindUnexpected
}

// IsNotFound reports whether err is of kind NotFound.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnsupported reports whether err is of kind Unsupported.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return KindOf(err).Retryable()
}

// wrapError normalizes any error returned by an accessor into an *Error
// carrying op, path and scheme. An existing *Error keeps its kind.
func wrapError(err error, op Operation, path string, scheme Scheme) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Op == "" {
			se.Op = op
		}
		if se.Path == "" {
			se.Path = path
		}
		se.WithScheme(scheme)
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Path: path, Scheme: scheme, Err: err}
}

// unsupported builds the error returned by the capability gate.
func unsupported(op Operation, path string, scheme Scheme) error {
	return &Error{
		Kind:   KindUnsupported,
		Op:     op,
		Path:   path,
		Scheme: scheme,
		Err:    fmt.Errorf("operation %s is not supported by %s", op, scheme),
	}
}
