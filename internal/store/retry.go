package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

// Retry behaviour for transient SQLite errors. busy_timeout covers most lock
// waits inside one connection; these cover the remainder when several
// processes write the same file.
const (
	retryMaxTries     = 4
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 500 * time.Millisecond
)

// isTransientSQLiteErr returns true for errors that can be resolved by
// retrying: SQLITE_BUSY, SQLITE_LOCKED and their text forms.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// withRetry runs op with exponential backoff while it fails transiently.
// Any other error is returned at once.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialDelay
	b.MaxInterval = retryMaxDelay

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransientSQLiteErr(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(retryMaxTries))
}

// retryExec is withRetry for operations with no result.
func retryExec(ctx context.Context, op func() error) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
