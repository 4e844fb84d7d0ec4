package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	now := time.Unix(0, 0)
	l := newLimiter(10, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Frame %d within burst should be allowed", i)
		}
	}
	if l.Allow() {
		t.Error("Frame beyond burst should be refused")
	}

	now = now.Add(100 * time.Millisecond)
	if !l.Allow() {
		t.Error("One token should have refilled after 100ms at 10/s")
	}
	if l.Allow() {
		t.Error("Only one token should have refilled")
	}

	now = now.Add(time.Hour)
	allowed := 0
	for l.Allow() {
		allowed++
	}
	if allowed != 3 {
		t.Errorf("Refill should cap at burst, got %d", allowed)
	}
}

func TestClientLimitersPerConnection(t *testing.T) {
	cl := NewClientLimiters(Config{Rate: 1, Burst: 1})
	defer cl.Stop()

	a := cl.Get("a")
	if a != cl.Get("a") {
		t.Error("Same connection should get the same limiter")
	}
	if !a.Allow() || a.Allow() {
		t.Error("Burst of 1 should allow exactly one frame")
	}
	if !cl.Get("b").Allow() {
		t.Error("Connections should not share a bucket")
	}

	cl.Remove("a")
	if cl.Len() != 1 {
		t.Errorf("Expected 1 tracked limiter, got %d", cl.Len())
	}
	cl.Stop()
}

func TestClientLimitersPrune(t *testing.T) {
	cl := NewClientLimiters(Config{MaxTracked: 2})
	defer cl.Stop()

	for i := 0; i < 3; i++ {
		cl.Get(fmt.Sprintf("conn-%d", i))
	}
	cl.prune()
	if cl.Len() != 0 {
		t.Errorf("Expected table reset, got %d", cl.Len())
	}

	cl.Get("conn-0")
	cl.prune()
	if cl.Len() != 1 {
		t.Errorf("Table under the limit should be kept, got %d", cl.Len())
	}
}
