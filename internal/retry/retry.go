// Package retry wraps exponential backoff for connecting to backends.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy bounds a retry loop. MaxElapsed of zero retries until ctx is done.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

var Startup = Policy{Initial: 500 * time.Millisecond, Max: 10 * time.Second, MaxElapsed: 2 * time.Minute}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, the policy gives up, or ctx is done.
func Do(ctx context.Context, p Policy, what string, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(op, p.backOff(ctx), func(err error, wait time.Duration) {
		attempt++
		log.Warn().Err(err).Str("target", what).Int("attempt", attempt).Dur("wait", wait).Msg("connect failed, retrying")
	})
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, what string, op func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, what, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
