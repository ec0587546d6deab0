package pacsindex

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/data"
)

// transact runs fn inside one backend transaction, committing on
// success and rolling back on failure. Conflicted transactions are
// retried with a growing backoff so concurrent writers desynchronize;
// every other error surfaces immediately.
func (e *Engine) transact(ctx context.Context, write bool, fn func(tx backend.Transaction) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		err := e.attempt(ctx, write, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, data.ErrConflict) {
			return err
		}
		lastErr = err
		if attempt == e.opts.MaxRetries {
			break
		}

		e.log.Debug("transaction conflict, retrying (attempt %d/%d)", attempt, e.opts.MaxRetries)

		backoff := time.Duration(attempt)*100*time.Millisecond +
			time.Duration(rand.Intn(50))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}

func (e *Engine) attempt(ctx context.Context, write bool, fn func(tx backend.Transaction) error) error {
	tx, err := e.backend.Begin(ctx, write)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}
