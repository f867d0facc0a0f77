package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBackoffInitial = 30 * time.Second
	DefaultBackoffMax     = 600 * time.Second
)

// Backoff is a doubling delay without jitter, capped at a maximum.
type Backoff struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &Backoff{b: b, max: max}
}

// Next returns the current delay and doubles the one after it.
func (b *Backoff) Next() time.Duration {
	d := b.b.NextBackOff()
	if d == backoff.Stop || d > b.max {
		return b.max
	}
	return d
}

// Reset returns the delay to its initial value.
func (b *Backoff) Reset() {
	b.b.Reset()
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
