package memocache

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyKey is returned when an operation is given an empty key.
	ErrEmptyKey = errors.New("memocache: key is required")
	// ErrNilResolver is returned when Remember is called without a resolver.
	ErrNilResolver = errors.New("memocache: remember requires a resolver")
)

// ResolverError reports that the resolver passed to Remember failed.
// The lock, when held, has already been released by the time it is returned.
type ResolverError struct {
	Key string
	// Fallback is true when the resolver ran on the no-lock fallback path.
	Fallback bool
	Err      error
}

func (e *ResolverError) Error() string {
	if e.Fallback {
		return fmt.Sprintf("memocache: resolve %q (fallback): %v", e.Key, e.Err)
	}
	return fmt.Sprintf("memocache: resolve %q: %v", e.Key, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// BackendError reports a Store failure. Remember never masks these.
type BackendError struct {
	Op     string
	Key    string
	Driver Driver
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("memocache: %s %s %q: %v", e.Driver, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
