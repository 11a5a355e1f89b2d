package api

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned by the trigger listener for uploads that are
	// not eligible for processing (for example, a non-image extension).
	// No orchestration instance is created for a rejected event.
	ErrRejected = errors.New("upload rejected")

	// ErrUnsupportedFormat indicates that the uploaded bytes do not decode
	// as one of the accepted image formats. It is a permanent failure.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrTerminal is returned when an operation targets an instance that
	// has already reached a terminal status.
	ErrTerminal = errors.New("instance is terminal")
)

// permanentError marks an activity error that must not be retried: retrying
// cannot change the outcome (corrupt input, constraint violation).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher records it immediately as a failed
// outcome instead of consuming the retry budget. Wrapping nil returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is a convenience for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err is classified as permanent, either via
// Permanent or because it is ErrUnsupportedFormat.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrUnsupportedFormat)
}
