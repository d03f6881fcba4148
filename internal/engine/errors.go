package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Instance.
	ErrClosed = errors.New("engine: instance closed")

	// ErrHydrationTimeout is returned by AwaitHydration when the requested
	// epoch is not reached in time.
	ErrHydrationTimeout = errors.New("engine: hydration timeout")

	// ErrNotEmpty is returned by Import when the target log already holds
	// events.
	ErrNotEmpty = errors.New("engine: store is not empty")
)

// StorageError wraps a failure reported by the store backend. The
// in-memory projection is left as it was before the operation.
type StorageError struct {
	// Op names the store call that failed (commit, read, snapshot, ...).
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the backend error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageFailure reports whether err came from the store backend.
// Uses errors.As to handle wrapped errors.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
