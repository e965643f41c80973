package conn

import (
	"math/rand"
	"time"
)

// backoff produces the reconnect delay sequence: base 1s doubled per
// attempt, capped, with ±50% jitter. Delays are clamped to never shrink
// below the previous one so the sequence stays non-decreasing even when the
// jitter draws low.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
	last        time.Duration
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &backoff{base: base, max: max, maxAttempts: maxAttempts}
}

// exhausted reports whether the attempt budget is spent.
func (b *backoff) exhausted() bool {
	return b.attempt >= b.maxAttempts
}

// next returns the delay before the upcoming attempt and consumes one
// attempt.
func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	}
	// ±50% jitter around d.
	jittered := d/2 + time.Duration(rand.Int63n(int64(d)+1))
	if jittered < b.last {
		jittered = b.last
	}
	if jittered > b.max {
		jittered = b.max
	}
	b.last = jittered
	b.attempt++
	return jittered
}

func (b *backoff) reset() {
	b.attempt = 0
	b.last = 0
}
