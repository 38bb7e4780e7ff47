package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts    = 32
	defaultInitialBackoff = time.Millisecond
	defaultMaxBackoff     = 50 * time.Millisecond
)

// ErrRetriesExhausted indicates a conflict-retried operation never managed to commit.
var ErrRetriesExhausted = errors.New("kv: retries exhausted")

// RetryPolicy bounds a read-modify-commit loop. Zero values select the defaults.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = defaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
		if p.MaxBackoff < defaultMaxBackoff {
			p.MaxBackoff = defaultMaxBackoff
		}
	}
	return p
}

// RetryConflicts runs attempt until it returns something other than ErrConflict. Each
// attempt must re-read whatever state it checks. Non-conflict errors end the loop at once.
func RetryConflicts(ctx context.Context, policy RetryPolicy, attempt func(ctx context.Context) error) error {
	policy = policy.normalized()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialBackoff
	exponential.MaxInterval = policy.MaxBackoff
	exponential.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := attempt(ctx)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(policy.MaxAttempts-1)), ctx))
	commitAttempts.Observe(float64(attempts))

	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	}
	return err
}
