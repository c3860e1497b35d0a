package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// errRaceLost signals that a concurrent writer changed the row set between
// two statements of the same operation; the operation is safe to repeat.
var errRaceLost = errors.New("lost race with concurrent writer")

// withRetry runs op with exponential backoff while it fails with a
// serialization failure, a deadlock or errRaceLost. Other errors stop retrying.
func withRetry(ctx context.Context, op func() error) error {
	expBo := backoff.NewExponentialBackOff()
	expBo.InitialInterval = 20 * time.Millisecond
	expBo.MaxInterval = time.Second
	expBo.MaxElapsedTime = 10 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expBo, 5), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func retryableError(err error) bool {
	if errors.Is(err, errRaceLost) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
