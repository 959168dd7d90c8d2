// Package retry wraps single fallible operations with bounded exponential
// backoff with jitter.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/types"
)

// Default policy values.
const (
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxAttempts = 3

	// randomizationFactor spreads each delay over [0.5d, 1.5d].
	randomizationFactor = 0.5
)

// Policy describes how an operation is retried. The zero value is not
// usable; start from Default.
type Policy struct {
	// BaseDelay is the delay before the second attempt. Every later delay
	// doubles.
	BaseDelay time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
}

// Default returns the policy used for price fetches and sink writes.
func Default() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = randomizationFactor
	b.MaxInterval = p.maxInterval()
	b.Reset()
	return b
}

// maxInterval caps a single delay at BaseDelay doubled once per attempt,
// saturating instead of overflowing for large budgets.
func (p Policy) maxInterval() time.Duration {
	d := p.BaseDelay
	for range max(p.MaxAttempts, 1) {
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	return d
}

// Do runs op until it succeeds, fails with an error that is not transient,
// or the attempt budget is spent. Only errors classified with
// types.Transient are retried. The error of the last attempt is returned
// unchanged.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.Retry(
		ctx,
		func() (T, error) {
			attempt++
			v, err := op(ctx)
			if err != nil && !types.IsTransient(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"operation failed, retrying",
				slog.String("op", name),
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		// the permanent wrapper leaks out when the last attempt was not transient
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"operation gave up",
			slog.String("op", name),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
	}
	return res, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
