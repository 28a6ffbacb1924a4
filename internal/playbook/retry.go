package playbook

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is applied uniformly around every step action. A step with
// retries=N makes at most N+1 attempts.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

// newBackOff returns a fresh instance; BackOff values are stateful.
func (p RetryPolicy) newBackOff(retries int) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		bo.Multiplier = p.Multiplier
	}
	bo.MaxElapsedTime = 0
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(bo, uint64(retries))
}
