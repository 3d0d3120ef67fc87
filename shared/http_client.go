package shared

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const userAgent = "wishlist-plus/1.0 (+https://github.com/keyunjie96/steam-wishlist-plus)"

// HTTPClientFactory creates HTTP clients with standardized configuration
type HTTPClientFactory struct {
	defaultTimeout time.Duration
	mutex          sync.RWMutex
	clients        map[string]*http.Client
}

// NewHTTPClientFactory creates a new HTTP client factory
func NewHTTPClientFactory(defaultTimeout time.Duration) *HTTPClientFactory {
	return &HTTPClientFactory{
		defaultTimeout: defaultTimeout,
		clients:        make(map[string]*http.Client),
	}
}

// CreateOptimizedHTTPClient creates an HTTP client with connection pooling, reusing one per timeout
func (f *HTTPClientFactory) CreateOptimizedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}

	clientKey := fmt.Sprintf("timeout_%d", timeout.Milliseconds())

	f.mutex.RLock()
	if client, exists := f.clients[clientKey]; exists {
		f.mutex.RUnlock()
		return client
	}
	f.mutex.RUnlock()

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	f.mutex.Lock()
	f.clients[clientKey] = client
	f.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"component":  "HTTPClientFactory",
		"timeout":    timeout,
		"client_key": clientKey,
	}).Debug("Created new optimized HTTP client")

	return client
}

// CleanupAllClients closes idle connections of every cached client
func (f *HTTPClientFactory) CleanupAllClients() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for key, client := range f.clients {
		client.CloseIdleConnections()
		delete(f.clients, key)
	}
}

// SetAPIHeaders configures request headers for the public JSON APIs
func SetAPIHeaders(request *http.Request, acceptHeader string) {
	request.Header.Set("User-Agent", userAgent)
	request.Header.Set("Accept", acceptHeader)
	request.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

// HTTPStatusError carries a non-success response status.
type HTTPStatusError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// SleepFunc pauses for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the default SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPExecutor runs requests with exponential backoff on HTTP 429.
// Network errors and 5xx responses fail immediately as transient errors;
// other non-2xx responses are returned as *HTTPStatusError (not retryable).
type HTTPExecutor struct {
	Client      *http.Client
	ServiceName string
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       SleepFunc
}

// NewHTTPExecutor builds an executor from a service configuration.
func NewHTTPExecutor(serviceName string, client *http.Client, cfg ServiceConfig) *HTTPExecutor {
	return &HTTPExecutor{
		Client:      client,
		ServiceName: serviceName,
		MaxAttempts: cfg.MaxRetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Sleep:       ContextSleep,
	}
}

// Do executes request and returns a 2xx response. The request body, if any,
// must be rewindable through GetBody.
func (e *HTTPExecutor) Do(request *http.Request) (*http.Response, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "HTTPExecutor",
		"service":   e.ServiceName,
		"method":    request.Method,
		"url":       request.URL.String(),
	})

	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}
	ctx := request.Context()

	for attemptNumber := 1; attemptNumber <= maxAttempts; attemptNumber++ {
		if attemptNumber > 1 {
			backoffDuration := e.BaseDelay * time.Duration(1<<uint(attemptNumber-2))
			logger.WithFields(logrus.Fields{
				"attempt":          attemptNumber,
				"backoff_duration": backoffDuration,
			}).Debug("Retrying rate-limited request after backoff")

			if err := sleep(ctx, backoffDuration); err != nil {
				return nil, NewTransientError(ErrorCategoryTimeout, "REQUEST_CANCELLED", e.ServiceName, "Do", err)
			}
		}

		attempt, err := rewind(request)
		if err != nil {
			return nil, NewServiceError(ErrorCategoryProcessing, "REQUEST_NOT_REWINDABLE", "cannot replay request body", e.ServiceName, "Do", false, err)
		}

		response, err := e.Client.Do(attempt)
		if err != nil {
			logger.WithError(err).Warn("HTTP request failed with network error")
			return nil, NewTransientError(ErrorCategoryNetwork, "NETWORK_ERROR", e.ServiceName, "Do", err)
		}

		switch {
		case response.StatusCode >= 200 && response.StatusCode < 300:
			return response, nil
		case response.StatusCode == http.StatusTooManyRequests:
			drain(response)
			logger.WithField("attempt", attemptNumber).Debug("Rate limited by upstream")
			continue
		case response.StatusCode >= 500:
			statusErr := &HTTPStatusError{StatusCode: response.StatusCode, Body: readBody(response)}
			return nil, NewTransientError(ErrorCategoryNetwork, "UPSTREAM_UNAVAILABLE", e.ServiceName, "Do", statusErr)
		default:
			return nil, &HTTPStatusError{StatusCode: response.StatusCode, Body: readBody(response)}
		}
	}

	logger.WithField("total_attempts", maxAttempts).Warn("HTTP request still rate limited after all attempts")
	return nil, NewTransientError(ErrorCategoryRateLimit, "RATE_LIMIT_EXHAUSTED", e.ServiceName, "Do",
		&HTTPStatusError{StatusCode: http.StatusTooManyRequests})
}

func rewind(request *http.Request) (*http.Request, error) {
	attempt := request.Clone(request.Context())
	if request.Body == nil || request.GetBody == nil {
		return attempt, nil
	}
	body, err := request.GetBody()
	if err != nil {
		return nil, err
	}
	attempt.Body = body
	return attempt, nil
}

func readBody(response *http.Response) []byte {
	defer response.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	return body
}

func drain(response *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	response.Body.Close()
}
