package engine

import (
	"errors"
	"fmt"
)

// EventMetaError exposes correlation metadata for an event-handling failure.
type EventMetaError interface {
	error
	Unwrap() error
	Path() (string, bool)
}

type eventTaggedError struct {
	err  error
	path string
}

// NewEventTaggedError wraps err with a path for failure-mult consumers that
// want structured detail instead of string-matching the message.
func NewEventTaggedError(err error, path string) error {
	if err == nil {
		return nil
	}
	return &eventTaggedError{err: err, path: path}
}

func (e *eventTaggedError) Error() string { return e.err.Error() }
func (e *eventTaggedError) Unwrap() error { return e.err }

func (e *eventTaggedError) Path() (string, bool) {
	if e.path == "" {
		return "", false
	}
	return e.path, true
}

// ExtractPath returns the path carried by err, if any.
func ExtractPath(err error) (string, bool) {
	var eme EventMetaError
	if errors.As(err, &eme) {
		return eme.Path()
	}
	return "", false
}

func newHandlerPanicError(r interface{}) error {
	return fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
}
