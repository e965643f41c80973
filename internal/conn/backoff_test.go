package conn

import (
	"testing"
	"time"
)

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second, 10)
	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := b.next()
		if d < prev {
			t.Fatalf("attempt %d: delay %v shrank below previous %v", i, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	// The final delays of a long sequence must sit at the cap.
	if prev != 30*time.Second {
		t.Fatalf("final delay %v, want cap 30s", prev)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	// First attempt: base 1s, jitter keeps it within [0.5s, 1.5s].
	for i := 0; i < 50; i++ {
		b := newBackoff(time.Second, 30*time.Second, 5)
		d := b.next()
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("first delay %v outside [0.5s, 1.5s]", d)
		}
	}
}

func TestBackoffExhaustion(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second, 5)
	for i := 0; i < 5; i++ {
		if b.exhausted() {
			t.Fatalf("exhausted after %d of 5 attempts", i)
		}
		b.next()
	}
	if !b.exhausted() {
		t.Fatal("not exhausted after 5 attempts")
	}

	b.reset()
	if b.exhausted() {
		t.Fatal("still exhausted after reset")
	}
	if d := b.next(); d > 1500*time.Millisecond {
		t.Fatalf("post-reset delay %v did not restart from base", d)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := newBackoff(0, 0, 0)
	if b.base != time.Second || b.max != 30*time.Second || b.maxAttempts != 5 {
		t.Fatalf("defaults = base %v max %v attempts %d", b.base, b.max, b.maxAttempts)
	}
}
