package apprt

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy every component-local error maps onto
// when it crosses a component boundary, unifying what would otherwise be
// ad-hoc per-package error types.
type ErrorKind string

const (
	KindConfig    ErrorKind = "config"
	KindTransport ErrorKind = "transport"
	KindCodec     ErrorKind = "codec"
	KindStore     ErrorKind = "store"
	KindRTDB      ErrorKind = "rtdb"
	KindRule      ErrorKind = "rule"
)

// Error is the common error envelope carrying a Kind alongside the
// underlying cause.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind_ lets callers recover the taxonomy kind through the kinder
// interface in KindOf without a type assertion on *Error itself.
func (e *Error) Kind_() ErrorKind { return e.Kind }

// Wrap builds an *Error tagging cause with kind/op.
func Wrap(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps)
// has a Kind_ method, as *Error and the component-local error types do.
// For any other error it returns "", false.
func KindOf(err error) (ErrorKind, bool) {
	type kinder interface{ Kind_() ErrorKind }
	var k kinder
	if errors.As(err, &k) {
		return k.Kind_(), true
	}
	return "", false
}
