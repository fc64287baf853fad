package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/blopit/microtask/pkg/domainerr"
)

// withRetry retries transient I/O failures with jittered exponential
// backoff, capped at 3 attempts and a 1s ceiling. Logical errors
// (validation, not-found, conflict) are wrapped in backoff.Permanent and
// abort immediately.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 1 * time.Second
	bo.MaxElapsedTime = 0

	// Two retries after the first try: three attempts in total.
	limited := backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, limited)
}

// isTransient classifies connection-level and serialization failures as
// retryable.
func isTransient(err error) bool {
	if errors.Is(err, domainerr.ErrUnavailable) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return true
		}
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock detected
			return true
		}
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
