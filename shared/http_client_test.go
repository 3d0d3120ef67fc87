package shared

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(client *http.Client, sleeps *[]time.Duration) *HTTPExecutor {
	executor := NewHTTPExecutor("test", client, ServiceConfig{MaxRetryAttempts: 4, RetryBaseDelay: time.Second})
	executor.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return executor
}

func TestHTTPExecutorBacksOffOnRateLimit(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attempts, 1)
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("Body not replayed on attempt %d: %q", attempt, body)
		}
		if attempt < 4 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	var sleeps []time.Duration
	executor := newTestExecutor(server.Client(), &sleeps)

	request, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	response, err := executor.Do(request)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	response.Body.Close()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("Expected backoffs %v, got %v", want, sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("Backoff %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestHTTPExecutorClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
		wantAttempts  int32
	}{
		{http.StatusTooManyRequests, true, 4},
		{http.StatusInternalServerError, true, 1},
		{http.StatusNotFound, false, 1},
		{http.StatusForbidden, false, 1},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			var sleeps []time.Duration
			executor := newTestExecutor(server.Client(), &sleeps)
			request, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			_, err := executor.Do(request)

			if IsTransientError(err) != tt.wantTransient {
				t.Errorf("IsTransientError = %v, want %v (%v)", !tt.wantTransient, tt.wantTransient, err)
			}
			var statusErr *HTTPStatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
				t.Errorf("Expected status error %d, got %v", tt.status, err)
			}
			if atomic.LoadInt32(&attempts) != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, attempts)
			}
		})
	}
}

func TestHTTPExecutorStopsWhenContextEnds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	executor := NewHTTPExecutor("test", server.Client(), ServiceConfig{MaxRetryAttempts: 3, RetryBaseDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	request, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := executor.Do(request)
	if !IsTransientError(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected transient cancellation, got %v", err)
	}
}

func TestHTTPClientFactoryReusesClients(t *testing.T) {
	factory := NewHTTPClientFactory(5 * time.Second)
	first := factory.CreateOptimizedHTTPClient(0)
	if first != factory.CreateOptimizedHTTPClient(5*time.Second) {
		t.Error("Expected the same client for the same timeout")
	}
	if first == factory.CreateOptimizedHTTPClient(time.Second) {
		t.Error("Expected a separate client for a different timeout")
	}
	factory.CleanupAllClients()
}
