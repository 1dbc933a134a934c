package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the reusable retry policy consumed by the connector. Transient
// failures are retried with exponential backoff, bounded both by attempt count
// and by total elapsed delay.
type Policy struct {
	MaxAttempts     int
	MaxTotalDelay   time.Duration
	InitialInterval time.Duration

	// OnRetry is invoked before each retry sleep. Optional.
	OnRetry func(op string, err error)
}

// DefaultPolicy mirrors the deployment defaults: three attempts within ten seconds.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, MaxTotalDelay: 10 * time.Second, InitialInterval: 200 * time.Millisecond}
}

// Do runs op, retrying transient errors. Ops signal non-transient failures by
// returning backoff.Permanent-wrapped errors.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxElapsedTime = p.MaxTotalDelay
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}

	var policy backoff.BackOff = backoff.WithMaxRetries(b, uint64(attempts-1))
	policy = backoff.WithContext(policy, ctx)

	notify := func(err error, _ time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(op, err)
		}
	}
	return backoff.RetryNotify(fn, policy, notify)
}
