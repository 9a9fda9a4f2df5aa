// Package probe holds the capped retry loop shared by port probing and
// liveness checks.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultAttempts = 15
	DefaultDelay    = 2 * time.Second
)

// ErrExhausted is returned (wrapped) when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy caps a retry loop. Timer may be nil, in which case real time is used.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Timer    backoff.Timer
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

func (p Policy) delay() time.Duration {
	if p.Delay < 0 {
		return 0
	}
	if p.Delay == 0 {
		return DefaultDelay
	}
	return p.Delay
}

// Stop marks err as final: Retry returns it right away without using up
// the remaining attempts.
func Stop(err error) error { return backoff.Permanent(err) }

// Retry calls op with a 1-based attempt number until it succeeds, returns a
// Stop error, ctx is done or the attempts run out. It reports how many
// attempts were made.
func Retry(ctx context.Context, p Policy, op func(attempt int) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	max := p.attempts()
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.delay()), uint64(max-1)),
		ctx,
	)

	n := 0
	stopped := false
	err := backoff.RetryNotifyWithTimer(func() error {
		n++
		err := op(n)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			stopped = true
		}
		return err
	}, b, nil, p.Timer)

	switch {
	case err == nil:
		return n, nil
	case stopped:
		return n, err
	case ctx.Err() != nil:
		return n, ctx.Err()
	default:
		return n, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, n, err)
	}
}
