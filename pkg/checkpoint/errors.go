package checkpoint

import (
	"errors"
	"fmt"
)

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("checkpoint store closed")

// ConfigError indicates a required identity component is missing from a
// Config, e.g. no thread ID on Put. Not retryable.
type ConfigError struct {
	Field string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required config field %q", e.Field)
}

// MigrationError indicates a schema migration step failed. The transaction
// was rolled back and the version ledger is at its last good state, so
// Setup may be retried.
type MigrationError struct {
	// Version is the index of the migration that failed.
	Version int

	// Err is the underlying store error.
	Err error
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d failed: %v", e.Version, e.Err)
}

// Unwrap returns the underlying error.
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failure from the underlying transactional store.
// Any open transaction was rolled back before the error surfaced, so no
// partial write is observable; idempotent upserts make caller-level retry
// of Put and PutWrites safe.
type StoreError struct {
	// Op is the operation that failed: "get", "list", "put", "put_writes",
	// "delete_thread".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}
