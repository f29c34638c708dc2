package supervisor

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff yields exponentially growing waits between Min and Max with up
// to 20% jitter added. The zero value waits 250ms doubling to 30s.
type Backoff struct {
	Min, Max time.Duration

	cur time.Duration
}

func (b *Backoff) bounds() (time.Duration, time.Duration) {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi < lo {
		hi = max(lo, 30*time.Second)
	}
	return lo, hi
}

// Next returns the wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.bounds()
	if b.cur < lo {
		b.cur = lo
	}
	wait := b.cur
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	b.cur = min(b.cur*2, hi)
	return wait
}

// Reset starts the sequence over from Min.
func (b *Backoff) Reset() { b.cur = 0 }

// Sleep waits for d and reports false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
