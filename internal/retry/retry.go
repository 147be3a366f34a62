// Copyright 2025 James Ross
package retry

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/breaker"
)

// Policy is the bounded-retry policy backend calls are wrapped in: three
// attempts total, exponential backoff starting at 100ms, jittered. Only
// adapter.ErrTransientUnavailable is retried -- validation, not-found,
// file-exists, duplicate-callid, and schema-mismatch errors propagate on
// the first attempt, since retrying them can never change the outcome.
func Policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoff.DefaultInitialInterval / 5 // 100ms
	return backoff.WithMaxRetries(b, 2)                    // 1 initial + 2 retries = 3 attempts
}

// Do runs fn under Policy(), retrying only transient failures. If cb is
// non-nil, a tripped breaker short-circuits the call without invoking fn at
// all -- the wrapper must not retry a mutation the breaker has decided the
// backend can't currently serve.
func Do(ctx context.Context, cb *breaker.CircuitBreaker, fn func() error) error {
	op := func() error {
		if cb != nil && !cb.Allow() {
			return backoff.Permanent(adapter.New("", "retry", adapter.ErrTransientUnavailable, errors.New("circuit breaker open")))
		}
		err := fn()
		if cb != nil {
			cb.Record(err == nil)
		}
		if err != nil && !adapter.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(Policy(), ctx))
}
