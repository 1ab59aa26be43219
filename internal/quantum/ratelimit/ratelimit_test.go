package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowRespectsBurst(t *testing.T) {
	a := New(1000, 1500)

	if !a.Allow(1500) {
		t.Fatal("first admission within burst should be allowed")
	}
	if a.Allow(1500) {
		t.Error("a second admission exceeding the refill should be denied immediately")
	}
}

func TestWaitBlocksUntilTokensAvailable(t *testing.T) {
	a := New(1_000_000, 100)
	a.Allow(100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Wait(ctx, 100); err != nil {
		t.Fatalf("Wait within budget should not error: %v", err)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	a := New(1, 1)
	a.Allow(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := a.Wait(ctx, 1); err == nil {
		t.Error("Wait for an unreachable amount should return an error")
	}
}
