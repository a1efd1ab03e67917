package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/beast-69-bot/azmegadownloader/errutil"
)

// Policy bounds automatic retries of an operation: up to MaxAttempts total
// attempts with exponential backoff starting at BaseDelay, retrying only
// errors accepted by Retryable. Context cancellation always stops retrying.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxInterval time.Duration
	Retryable   func(err error) bool
}

func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	wrapped := func() error {
		if err := op(ctx); nil != err {
			if errutil.IsContext(ctx) {
				return backoff.Permanent(ctx.Err())
			}
			if p.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts-1), ctx))
}
