package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with exponential
// backoff on top of the driver's busy_timeout. Any other error is returned at once.
func retryOnBusy(ctx context.Context, f func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second

	operation := func() error {
		err := f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// modernc.org/sqlite reports them as "database is locked (5) (SQLITE_BUSY)".
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
