package agent

import (
	"context"
	"math/rand"
	"time"
)

// Backoff produces jittered exponential reconnect delays. Not safe for
// concurrent use; the agent run loop is the only caller.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the next attempt and advances the
// schedule. Each delay is the capped exponential step plus up to 50%
// random jitter so a fleet of agents does not reconnect in lockstep.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := base
	for i := 0; i < b.attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	b.attempt++

	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// Reset rewinds the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
