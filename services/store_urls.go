package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/sirupsen/logrus"
)

var directStoreTemplates = map[models.PlatformTag]string{
	models.PlatformNintendo:    "https://www.nintendo.com/us/store/products/%s/",
	models.PlatformPlayStation: "https://store.playstation.com/en-us/product/%s",
	models.PlatformXbox:        "https://www.xbox.com/en-US/games/store/_/%s",
}

var searchStoreTemplates = map[models.PlatformTag]string{
	models.PlatformNintendo:    "https://www.nintendo.com/us/search/#q=%s&p=1&cat=gme&sort=df",
	models.PlatformPlayStation: "https://store.playstation.com/en-us/search/%s",
	models.PlatformXbox:        "https://www.xbox.com/en-US/search/results/games?q=%s",
}

// LinkChecker reports whether a storefront deep link resolves to a real page.
type LinkChecker interface {
	IsLive(ctx context.Context, link string) bool
}

// StoreURLBuilder produces per-platform storefront links
type StoreURLBuilder struct {
	checker LinkChecker
	verify  bool
}

// NewStoreURLBuilder creates a builder. Direct links are only checked when
// verify is set and checker is non-nil.
func NewStoreURLBuilder(checker LinkChecker, verify bool) *StoreURLBuilder {
	return &StoreURLBuilder{checker: checker, verify: verify && checker != nil}
}

// SearchURL returns the generic storefront search link for name.
func (b *StoreURLBuilder) SearchURL(tag models.PlatformTag, name string) string {
	template, ok := searchStoreTemplates[tag]
	if !ok {
		return ""
	}
	if tag == models.PlatformPlayStation {
		return fmt.Sprintf(template, url.PathEscape(name))
	}
	return fmt.Sprintf(template, url.QueryEscape(name))
}

// DirectURL returns the product deep link for a storefront id.
func (b *StoreURLBuilder) DirectURL(tag models.PlatformTag, storeID string) string {
	template, ok := directStoreTemplates[tag]
	if !ok || strings.TrimSpace(storeID) == "" {
		return ""
	}
	return fmt.Sprintf(template, url.PathEscape(storeID))
}

// Build prefers the deep link for storeID and falls back to a search link
// when there is no id or the deep link is dead.
func (b *StoreURLBuilder) Build(ctx context.Context, tag models.PlatformTag, storeID, name string) string {
	direct := b.DirectURL(tag, storeID)
	if direct == "" {
		return b.SearchURL(tag, name)
	}
	if b.verify && !b.checker.IsLive(ctx, direct) {
		logrus.WithFields(logrus.Fields{
			"component": "StoreURLBuilder",
			"platform":  tag,
			"url":       direct,
		}).Debug("Direct store link failed liveness check, using search link")
		return b.SearchURL(tag, name)
	}
	return direct
}

// RefreshSearchURLs rewrites the links of unknown-status platforms for a new
// display name. Links backed by a confirmed status are left alone.
func (b *StoreURLBuilder) RefreshSearchURLs(record *models.CacheRecord) {
	for tag, entry := range record.Platforms {
		if entry.Status != models.StatusUnknown {
			continue
		}
		entry.StoreURL = b.SearchURL(tag, record.DisplayName)
		record.Platforms[tag] = entry
	}
}

// CollyLinkChecker issues HEAD requests and treats error statuses and
// redirects onto error pages as dead links.
type CollyLinkChecker struct {
	timeout   time.Duration
	userAgent string
}

// NewCollyLinkChecker returns a checker whose requests give up after timeout.
func NewCollyLinkChecker(timeout time.Duration) *CollyLinkChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CollyLinkChecker{
		timeout:   timeout,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
}

// IsLive reports whether link answers without an error status.
func (c *CollyLinkChecker) IsLive(ctx context.Context, link string) bool {
	if ctx.Err() != nil {
		return false
	}

	logger := logrus.WithFields(logrus.Fields{
		"component": "CollyLinkChecker",
		"url":       link,
	})

	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(c.userAgent),
	)
	collector.SetRequestTimeout(c.timeout)

	redirectedToError := false
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if looksLikeErrorPage(req.URL) {
			redirectedToError = true
			return http.ErrUseLastResponse
		}
		if len(via) >= 5 {
			return http.ErrUseLastResponse
		}
		return nil
	})

	if err := collector.Head(link); err != nil {
		logger.WithError(err).Debug("Store link HEAD request failed")
		return false
	}
	if redirectedToError {
		logger.Debug("Store link redirected to an error page")
		return false
	}
	return true
}

func looksLikeErrorPage(target *url.URL) bool {
	path := strings.ToLower(target.Path)
	return strings.Contains(path, "error") ||
		strings.Contains(path, "404") ||
		strings.Contains(path, "not-found") ||
		strings.Contains(path, "notfound")
}
