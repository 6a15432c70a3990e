// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sethvargo/go-retry"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
// This is another form of SQLite concurrency error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. These are both SQLite concurrency
// errors that typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// IsPostgresConflictError reports serialization failures and deadlocks.
func IsPostgresConflictError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// IsConflictError reports whether a storage error is transient lock
// contention on either supported engine.
func IsConflictError(err error) bool {
	return IsSQLiteConflictError(err) || IsPostgresConflictError(err)
}

// RetryConfig bounds RetryOnConflict.
type RetryConfig struct {
	Attempts  uint64
	BaseDelay time.Duration
}

// DefaultRetryConfig gives 100ms, 200ms, 400ms backoff.
var DefaultRetryConfig = RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs op, retrying with exponential backoff while it fails
// with a lock-contention error. Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.Attempts == 0 {
		cfg = DefaultRetryConfig
	}
	backoff := retry.WithMaxRetries(cfg.Attempts-1, retry.NewExponential(cfg.BaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if IsConflictError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
