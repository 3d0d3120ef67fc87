package shared

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPRequestRateLimiter serializes outbound requests for one client in
// FIFO order and enforces a minimum delay between request starts. At most
// one request runs at a time; later callers wait for their turn.
type HTTPRequestRateLimiter struct {
	name            string
	minimumDelay    time.Duration
	mutex           sync.Mutex
	tail            chan struct{} // closed when the last queued request finishes
	lastRequestTime time.Time
	requestCount    int64
}

// NewHTTPRequestRateLimiter creates a queue with the specified minimum delay
func NewHTTPRequestRateLimiter(name string, minimumDelay time.Duration) *HTTPRequestRateLimiter {
	done := make(chan struct{})
	close(done)
	return &HTTPRequestRateLimiter{
		name:         name,
		minimumDelay: minimumDelay,
		tail:         done,
	}
}

// Do waits for every earlier request to finish and for the minimum delay to
// pass, then runs fn. If ctx ends while waiting, fn is not run and the slot
// is handed on once the predecessor completes.
func (limiter *HTTPRequestRateLimiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	limiter.mutex.Lock()
	previous := limiter.tail
	done := make(chan struct{})
	limiter.tail = done
	limiter.mutex.Unlock()

	select {
	case <-previous:
	case <-ctx.Done():
		go func() {
			<-previous
			close(done)
		}()
		return ctx.Err()
	}
	defer close(done)

	if err := limiter.waitForDelay(ctx); err != nil {
		return err
	}

	return fn(ctx)
}

func (limiter *HTTPRequestRateLimiter) waitForDelay(ctx context.Context) error {
	limiter.mutex.Lock()
	elapsedTime := time.Since(limiter.lastRequestTime)
	remainingDelay := limiter.minimumDelay - elapsedTime
	count := limiter.requestCount
	first := limiter.lastRequestTime.IsZero()
	limiter.mutex.Unlock()

	if !first && remainingDelay > 0 {
		logrus.WithFields(logrus.Fields{
			"component":       "HTTPRequestRateLimiter",
			"queue":           limiter.name,
			"remaining_delay": remainingDelay,
			"request_count":   count + 1,
		}).Debug("Enforcing rate limit delay")

		timer := time.NewTimer(remainingDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	limiter.mutex.Lock()
	limiter.lastRequestTime = time.Now()
	limiter.requestCount++
	limiter.mutex.Unlock()
	return nil
}

// GetRequestCount returns the total number of requests started
func (limiter *HTTPRequestRateLimiter) GetRequestCount() int64 {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return limiter.requestCount
}

// MinimumDelay returns the configured spacing between requests.
func (limiter *HTTPRequestRateLimiter) MinimumDelay() time.Duration {
	return limiter.minimumDelay
}
