package reconnect

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Ceiling is the delay used once Schedule is exhausted.
const Ceiling = 30 * time.Second

// Delay returns the backoff duration for the given attempt.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return Ceiling
}

// Backoff walks Schedule on a clock. It is not safe for concurrent use.
type Backoff struct {
	clock   clock.Clock
	attempt int
}

// NewBackoff returns a Backoff timed by c, or by the wall clock when c is nil.
func NewBackoff(c clock.Clock) *Backoff {
	if c == nil {
		c = clock.New()
	}
	return &Backoff{clock: c}
}

// Attempt returns the number of waits since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the schedule.
func (b *Backoff) Reset() { b.attempt = 0 }

// Next returns the delay for the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := Delay(b.attempt)
	b.attempt++
	return d
}

// Wait sleeps for d on the backoff's clock. It returns ctx.Err() if ctx
// ends first.
func (b *Backoff) Wait(ctx context.Context, d time.Duration) error {
	t := b.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
