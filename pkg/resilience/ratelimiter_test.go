package resilience

import (
	"testing"
	"time"
)

func TestLimiter_BurstThenReject(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0, Burst: 2})

	if !l.Allow() || !l.Allow() {
		t.Fatal("burst should be allowed")
	}
	if l.Allow() {
		t.Fatal("expected rejection after burst")
	}
}

func TestLimiter_Refills(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 100, Burst: 1})
	if !l.Allow() {
		t.Fatal("first should pass")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}

	base := time.Now()
	l.now = func() time.Time { return base.Add(time.Second) }
	if !l.Allow() {
		t.Fatal("bucket should refill over time")
	}
}

func TestLimiter_CapsAtBurst(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1000, Burst: 2})
	l.Allow()
	l.Allow()

	base := time.Now()
	l.now = func() time.Time { return base.Add(time.Hour) }

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed = %d, want burst cap 2", allowed)
	}
}
