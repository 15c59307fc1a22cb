package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_EnforcesMinimumSpacing(t *testing.T) {
	spacing := 10 * time.Millisecond
	l := NewRateLimiter(spacing)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	// 4 requests = 3 gaps. Allow generous slack for slow CI clocks.
	if min := 3 * spacing; elapsed < min {
		t.Errorf("4 requests completed in %v, want at least %v", elapsed, min)
	}
}

func TestRateLimiter_QueuesConcurrentCallers(t *testing.T) {
	spacing := 5 * time.Millisecond
	l := NewRateLimiter(spacing)
	ctx := context.Background()

	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Wait(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	// Queued, not dropped: every caller gets through.
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Wait failed: %v", err)
		}
	}
	if min := (callers - 1) * spacing; time.Since(start) < time.Duration(min) {
		t.Errorf("concurrent callers not spaced: %v elapsed", time.Since(start))
	}
}

func TestRateLimiter_CancelledWhileQueued(t *testing.T) {
	l := NewRateLimiter(time.Hour)
	ctx := context.Background()

	// First caller takes the immediate slot.
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Wait(cancelled) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context error from cancelled Wait")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Wait did not return")
	}
}

func TestRateLimiter_DisabledSpacing(t *testing.T) {
	l := NewRateLimiter(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if time.Since(start) > time.Second {
		t.Error("disabled limiter introduced delays")
	}
}
