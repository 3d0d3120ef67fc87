package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// DefaultRelayTimeout bounds one relayed search.
const DefaultRelayTimeout = 10 * time.Second

// BrowserRelay runs completion-time searches as fetch calls inside a
// headless page on the site's origin, for when direct requests are refused.
type BrowserRelay struct {
	baseURL string
	timeout time.Duration
	logger  *logrus.Entry

	mutex       sync.Mutex
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewBrowserRelay returns a relay that runs searches inside a headless
// browser page on baseURL. Each search is bounded by timeout.
func NewBrowserRelay(baseURL string, timeout time.Duration) *BrowserRelay {
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	return &BrowserRelay{
		baseURL: baseURL,
		timeout: timeout,
		logger:  logrus.WithField("component", "BrowserRelay"),
	}
}

type relayResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// PostJSON implements SearchTransport.
func (r *BrowserRelay) PostJSON(ctx context.Context, path string, payload []byte) ([]byte, error) {
	browserCtx, err := r.ensureBrowser()
	if err != nil {
		return nil, shared.NewTransientError(shared.ErrorCategoryNetwork, "RELAY_UNAVAILABLE", "BrowserRelay", "PostJSON", err)
	}

	requestCtx, cancel := context.WithTimeout(browserCtx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	script, err := buildRelayScript(path, payload)
	if err != nil {
		return nil, err
	}

	var response relayResponse
	err = chromedp.Run(requestCtx, chromedp.Evaluate(script, &response, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		if errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
			r.logger.WithField("path", path).Warn("Relayed search timed out")
			return nil, shared.NewTransientError(shared.ErrorCategoryTimeout, "RELAY_TIMEOUT", "BrowserRelay", "PostJSON", err)
		}
		return nil, shared.NewTransientError(shared.ErrorCategoryNetwork, "RELAY_FAILED", "BrowserRelay", "PostJSON", err)
	}

	switch {
	case response.Status >= 200 && response.Status < 300:
		return []byte(response.Body), nil
	case response.Status == http.StatusTooManyRequests:
		return nil, shared.NewTransientError(shared.ErrorCategoryRateLimit, "RATE_LIMITED", "BrowserRelay", "PostJSON",
			&shared.HTTPStatusError{StatusCode: response.Status})
	case response.Status >= 500 || response.Status == 0:
		return nil, shared.NewTransientError(shared.ErrorCategoryNetwork, "UPSTREAM_UNAVAILABLE", "BrowserRelay", "PostJSON",
			&shared.HTTPStatusError{StatusCode: response.Status})
	default:
		return nil, &shared.HTTPStatusError{StatusCode: response.Status, Body: []byte(response.Body)}
	}
}

func (r *BrowserRelay) ensureBrowser() (context.Context, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("mute-audio", true),
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelTab := chromedp.NewContext(allocCtx)

	navigateCtx, cancelNavigate := context.WithTimeout(browserCtx, 3*r.timeout)
	defer cancelNavigate()
	if err := chromedp.Run(navigateCtx, chromedp.Navigate(r.baseURL)); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("opening relay page: %w", err)
	}

	r.browserCtx = browserCtx
	r.cancelAlloc = cancelAlloc
	r.cancelTab = cancelTab
	r.logger.WithField("base_url", r.baseURL).Info("Browser relay page ready")
	return browserCtx, nil
}

// Close shuts the headless browser down.
func (r *BrowserRelay) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.cancelTab != nil {
		r.cancelTab()
	}
	if r.cancelAlloc != nil {
		r.cancelAlloc()
	}
	r.browserCtx = nil
}

func buildRelayScript(path string, payload []byte) (string, error) {
	pathLiteral, err := json.Marshal(path)
	if err != nil {
		return "", err
	}
	bodyLiteral, err := json.Marshal(string(payload))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`fetch(%s, {
  method: "POST",
  headers: {"Content-Type": "application/json"},
  body: %s
}).then(async (r) => ({status: r.status, body: await r.text()}))
  .catch(() => ({status: 0, body: ""}))`, pathLiteral, bodyLiteral), nil
}
