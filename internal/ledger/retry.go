package ledger

import (
	"context"
	"time"

	xerrors "ReputeFlow-Escrow/internal/errors"
)

// RetryPolicy bounds how transient ledger failures are retried. Backoff is
// exponential from BaseDelay, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the settings used when configuration is silent.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Do runs fn up to MaxAttempts times. Only errors flagged retryable are
// retried; state-conflict and validation errors return immediately so the
// caller can re-read and decide. Exhausting every attempt wraps the last
// error as RETRIES_EXHAUSTED.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalize()
	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !xerrors.RetryableError(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "ledger retry cancelled")
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr, "ledger retries exhausted")
}
