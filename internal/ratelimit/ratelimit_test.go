package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitBefore_withinLimit_noWait(t *testing.T) {
	s := NewSliding(map[string]BucketParams{
		"t": {Limit: 3, Window: time.Minute, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterRatio: 0},
	})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.WaitBefore(ctx, "t"); err != nil {
			t.Fatalf("WaitBefore: %v", err)
		}
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Errorf("first %d requests should not block meaningfully", 3)
	}
}

func TestWaitBefore_windowEnforced(t *testing.T) {
	fake := time.Now()
	s := NewSliding(map[string]BucketParams{
		"t": {Limit: 1, Window: 50 * time.Millisecond, BaseDelay: time.Millisecond, MaxDelay: time.Second},
	})
	s.now = func() time.Time { return fake }

	ctx := context.Background()
	if err := s.WaitBefore(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	// With the fake clock frozen, the bucket is full and wants to wait the whole 50ms window.
	if wait, ready := s.bucket("t").computeWait(fake); ready || wait != 50*time.Millisecond {
		t.Fatalf("computeWait = (%v, %v), want (50ms, false) while the window is full", wait, ready)
	}
	// Advance the fake clock past the window before the second call, so the first timestamp
	// ages out and the call proceeds without sleeping 50ms wall-clock for real.
	fake = fake.Add(60 * time.Millisecond)
	if err := s.WaitBefore(ctx, "t"); err != nil {
		t.Fatal(err)
	}
}

func TestWaitBefore_interruptible(t *testing.T) {
	s := NewSliding(map[string]BucketParams{
		"t": {Limit: 1, Window: time.Hour, BaseDelay: time.Second, MaxDelay: time.Hour},
	})
	ctx := context.Background()
	if err := s.WaitBefore(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- s.WaitBefore(cctx, "t")
	}()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitBefore did not unblock within 1s of cancellation")
	}
	if time.Since(start) > time.Second {
		t.Errorf("unblock took too long")
	}
}

func TestObserve_backoffNonDecreasingUntilReset(t *testing.T) {
	s := NewSliding(map[string]BucketParams{
		"t": {Limit: 1000, Window: time.Hour, BaseDelay: time.Second, MaxDelay: time.Minute, JitterRatio: 0},
	})
	b := s.bucket("t")

	s.Observe("t", 403)
	d1 := time.Until(b.armedUntil)
	s.Observe("t", 403)
	d2 := time.Until(b.armedUntil)
	if d2 < d1 {
		t.Errorf("backoff should be non-decreasing across consecutive failures: %v then %v", d1, d2)
	}

	s.Observe("t", 200)
	b.mu.Lock()
	failures := b.failures
	armed := b.armedUntil
	b.mu.Unlock()
	if failures != 0 {
		t.Errorf("success should reset failure counter, got %d", failures)
	}
	if !armed.IsZero() {
		t.Errorf("success should clear armed delay")
	}
}

func TestObserve_capAtMaxDelay(t *testing.T) {
	s := NewSliding(map[string]BucketParams{
		"t": {Limit: 1000, Window: time.Hour, BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterRatio: 0},
	})
	b := s.bucket("t")
	for i := 0; i < 10; i++ {
		s.Observe("t", 418)
	}
	if time.Until(b.armedUntil) > 3*time.Second+time.Millisecond {
		t.Errorf("armed delay should be capped at MaxDelay, got %v", time.Until(b.armedUntil))
	}
}

func TestBucketsIndependent(t *testing.T) {
	s := NewSliding(map[string]BucketParams{
		BucketAPI:   {Limit: 1, Window: time.Hour, BaseDelay: time.Second, MaxDelay: time.Hour},
		BucketMedia: {Limit: 1, Window: time.Hour, BaseDelay: time.Second, MaxDelay: time.Hour},
	})
	ctx := context.Background()
	if err := s.WaitBefore(ctx, BucketAPI); err != nil {
		t.Fatal(err)
	}
	// Media bucket should still be immediately ready; api bucket is now saturated.
	done := make(chan struct{})
	go func() {
		s.WaitBefore(ctx, BucketMedia)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("media bucket should not be gated by api bucket saturation")
	}
}
