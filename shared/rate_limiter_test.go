package shared

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterRunsInArrivalOrder(t *testing.T) {
	limiter := NewHTTPRequestRateLimiter("test", 0)
	release := make(chan struct{})
	started := make(chan struct{})

	var mutex sync.Mutex
	var order []int
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = limiter.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			mutex.Lock()
			order = append(order, 0)
			mutex.Unlock()
			return nil
		})
	}()
	<-started

	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = limiter.Do(context.Background(), func(ctx context.Context) error {
				mutex.Lock()
				order = append(order, i)
				mutex.Unlock()
				return nil
			})
		}(i)
		// Let each caller join the queue before the next one.
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("Requests ran out of order: %v", order)
		}
	}
	if limiter.GetRequestCount() != 5 {
		t.Errorf("Expected 5 requests, got %d", limiter.GetRequestCount())
	}
}

func TestRateLimiterEnforcesMinimumDelay(t *testing.T) {
	delay := 30 * time.Millisecond
	limiter := NewHTTPRequestRateLimiter("test", delay)

	var starts []time.Time
	for i := 0; i < 3; i++ {
		err := limiter.Do(context.Background(), func(ctx context.Context) error {
			starts = append(starts, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}

	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < delay {
			t.Errorf("Request %d started %v after the previous one, want at least %v", i, gap, delay)
		}
	}
}

func TestRateLimiterCancelledWaiterDoesNotRun(t *testing.T) {
	limiter := NewHTTPRequestRateLimiter("test", 0)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = limiter.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := limiter.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) || ran {
		t.Fatalf("Expected deadline error without running, got %v (ran=%v)", err, ran)
	}

	close(release)
	if err := limiter.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Queue should keep working after a cancelled waiter: %v", err)
	}
}

func TestRateLimiterReturnsCallbackError(t *testing.T) {
	limiter := NewHTTPRequestRateLimiter("test", 0)
	want := errors.New("boom")
	if err := limiter.Do(context.Background(), func(ctx context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("Expected callback error, got %v", err)
	}
}
