package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	limiter := NewLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Fatalf("Request %d within burst should be allowed", i)
		}
	}

	if limiter.Allow() {
		t.Error("Request beyond burst should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	limiter := NewLimiter(100, 1)

	if !limiter.Allow() {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow() {
		t.Fatal("Bucket should be empty")
	}

	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("Bucket should refill at the configured rate")
	}
}

func TestLimiterCapsAtBurst(t *testing.T) {
	limiter := NewLimiter(1000, 2)

	time.Sleep(20 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Tokens should cap at burst 2, got %d allowed", allowed)
	}
}
