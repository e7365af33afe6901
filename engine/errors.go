package engine

import "errors"

const Namespace = "engine"

var (
	// ErrHandlerPanicked wraps a recovered panic from a Handler invocation.
	ErrHandlerPanicked = errors.New(Namespace + ": handler panicked")
)
