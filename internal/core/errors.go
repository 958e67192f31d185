package core

import "errors"

var (
	// ErrValidation marks a malformed action or vector, rejected before
	// any write.
	ErrValidation = errors.New("validation failed")
	// ErrStorage marks a durable read/write failure; the store is left in
	// its last-known-good state.
	ErrStorage = errors.New("storage failure")
	// ErrExtraction marks malformed email input; no partial vector is
	// produced.
	ErrExtraction = errors.New("feature extraction failed")
	// ErrSchemaMismatch marks disagreement between the model's schema
	// version and the vector or snapshot it was given.
	ErrSchemaMismatch = errors.New("feature schema mismatch")
	// ErrInvalidTransition marks workflow misuse; state is left unchanged.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrNotFound is returned by snapshot stores when no snapshot has been
	// persisted yet.
	ErrNotFound = errors.New("not found")
)
