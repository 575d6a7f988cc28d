// Package retry wraps fallible calls in bounded exponential backoff with
// jitter, honoring context cancellation during sleeps.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Options bound a retried call. The zero value gets the defaults: 3 attempts,
// 1s base delay, 60s cap.
type Options struct {
	// MaxAttempts includes the initial attempt. Minimum 1.
	MaxAttempts int
	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration
	// MaxDelay caps the exponential interval before it is randomized, so a
	// single sleep can reach 1.5×MaxDelay.
	MaxDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	return o
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do invokes fn until it succeeds, the attempts are exhausted, or ctx is
// cancelled. The delay before retry n (n from 1) is min(base·2ⁿ⁻¹, cap),
// scaled by a random factor in [0.5, 1.5] (the backoff library's default
// randomization); the jitter is multiplicative, not an added second.
// Exhaustion returns the last error.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) && attempt < opts.MaxAttempts {
				log.Warn().Err(err).Int("attempt", attempt).Int("max", opts.MaxAttempts).Msg("retryable call failed")
			}
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(opts.MaxAttempts-1)), ctx))
}
