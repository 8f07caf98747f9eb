package models

import "errors"

var (
	// ErrStaleEntity reports a generation mismatch; the caller should drop the handle.
	ErrStaleEntity = errors.New("models: stale entity")
	// ErrNotFound reports a lookup of something that was never registered or is gone.
	ErrNotFound = errors.New("models: not found")
	// ErrAlreadyRegistered reports a duplicate registration, usually a startup-ordering bug.
	ErrAlreadyRegistered = errors.New("models: already registered")
	// ErrTypeMismatch reports a value whose Go type differs from the registered type.
	ErrTypeMismatch = errors.New("models: type mismatch")
	// ErrInvariant marks a broken internal invariant. The affected subsystem
	// should stop instead of continuing on corrupted shared state.
	ErrInvariant = errors.New("models: invariant violation")
)
