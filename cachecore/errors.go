package cachecore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks bad caller input. It always reaches the caller.
	ErrInvalidArgument = errors.New("cache: invalid argument")
	// ErrUnsupportedBackend marks a configuration naming an unknown backend kind.
	ErrUnsupportedBackend = errors.New("cache: unsupported backend")
	// ErrBackendUnavailable marks a transient infrastructure fault.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")
	// ErrMisconfiguredSalt marks a production configuration without a usable salt.
	ErrMisconfiguredSalt = errors.New("cache: salt is required in production")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = errors.New("cache: backend closed")
)

// OpError describes a failed backend operation. It matches ErrBackendUnavailable and
// the underlying cause under errors.Is.
type OpError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

// Unavailable wraps err as an OpError. A nil err yields nil and an existing OpError is
// returned unchanged.
func Unavailable(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Kind: kind, Op: op, Err: err}
}

// Invalid builds an ErrInvalidArgument error with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsTimeout reports whether err came from a context deadline or cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
