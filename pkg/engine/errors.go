package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/mongoengine/pkg/resilience"
	"github.com/nimburion/mongoengine/pkg/store"
)

var (
	// ErrNotFound reports that an operation addressed no document. It is an expected
	// outcome, not a store failure, and never carries store wording.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidArgument reports a call the engine refuses before reaching the store.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind classifies a failed store operation.
type Kind string

// Failure kinds.
const (
	KindTransport   Kind = "transport"
	KindConstraint  Kind = "constraint"
	KindUnavailable Kind = "unavailable"
	KindCanceled    Kind = "canceled"
	KindUnknown     Kind = "unknown"
)

// OperationError is returned when the backing store fails an operation.
type OperationError struct {
	Op   string
	Kind Kind
	Err  error
}

// Error implements error.
func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the store error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a connectivity or I/O failure.
func IsTransport(err error) bool {
	return hasKind(err, KindTransport)
}

// IsConstraint reports whether err is a write rejected by the store.
func IsConstraint(err error) bool {
	return hasKind(err, KindConstraint)
}

// IsUnavailable reports whether err was raised by an open circuit breaker.
func IsUnavailable(err error) bool {
	return hasKind(err, KindUnavailable)
}

// IsCanceled reports whether the caller cancelled the operation.
func IsCanceled(err error) bool {
	return hasKind(err, KindCanceled)
}

func hasKind(err error, kind Kind) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Kind == kind
}

// classify turns a store error into an engine error. Engine sentinels and errors
// that are already classified are returned unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) || errors.As(err, &opErr) {
		return err
	}

	kind := KindUnknown
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, resilience.ErrCircuitBreakerOpen):
		kind = KindUnavailable
	case errors.Is(err, store.ErrTransport):
		kind = KindTransport
	case errors.Is(err, store.ErrConstraint):
		kind = KindConstraint
	}
	return &OperationError{Op: op, Kind: kind, Err: err}
}

// tripsBreaker limits the circuit breaker to failures of the store itself. A
// cancelled call says nothing about the store and never counts.
func tripsBreaker(err error) bool {
	return errors.Is(err, store.ErrTransport) && !errors.Is(err, context.Canceled)
}
