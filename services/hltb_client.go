package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

const defaultHLTBSearchPath = "/api/search"

var hltbSearchPathPattern = regexp.MustCompile(
	`["']/api/([a-zA-Z0-9_]+)/["']\s*\.concat\(\s*["']([a-zA-Z0-9]+)["']\s*\)(?:\s*\.concat\(\s*["']([a-zA-Z0-9]+)["']\s*\))?`,
)

// SearchTransport posts a search payload to the completion-time site and
// returns the raw response body. Non-success statuses that are not transient
// come back as *shared.HTTPStatusError.
type SearchTransport interface {
	PostJSON(ctx context.Context, path string, payload []byte) ([]byte, error)
}

// HTTPSearchTransport calls the completion-time site directly.
type HTTPSearchTransport struct {
	baseURL  string
	executor *shared.HTTPExecutor
}

// NewHTTPSearchTransport returns a transport posting to baseURL through executor.
func NewHTTPSearchTransport(baseURL string, executor *shared.HTTPExecutor) *HTTPSearchTransport {
	return &HTTPSearchTransport{baseURL: strings.TrimRight(baseURL, "/"), executor: executor}
}

// PostJSON posts payload to path and returns the response body.
func (t *HTTPSearchTransport) PostJSON(ctx context.Context, path string, payload []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	shared.SetAPIHeaders(request, "application/json")
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Origin", t.baseURL)
	request.Header.Set("Referer", t.baseURL+"/")

	response, err := t.executor.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, shared.NewTransientError(shared.ErrorCategoryNetwork, "READ_FAILED", "HLTBClient", "PostJSON", err)
	}
	return body, nil
}

// HLTBClient looks up completion times by name search, preferring a
// candidate whose Steam cross-reference equals the requested identifier.
type HLTBClient struct {
	config    shared.ServiceConfig
	limiter   *shared.HTTPRequestRateLimiter
	executor  *shared.HTTPExecutor
	transport SearchTransport
	matcher   *NameMatcher
	metrics   *shared.ServiceMetrics
	logger    *logrus.Entry

	pathMutex  sync.Mutex
	searchPath string
}

// NewHLTBClient creates a completion-time client. A nil transport means
// direct HTTP.
func NewHLTBClient(config shared.ServiceConfig, httpClient *http.Client, transport SearchTransport, matcher *NameMatcher, metrics *shared.ServiceMetrics) *HLTBClient {
	executor := shared.NewHTTPExecutor("HLTBClient", httpClient, config)
	if transport == nil {
		transport = NewHTTPSearchTransport(config.BaseURL, executor)
	}
	return &HLTBClient{
		config:    config,
		limiter:   shared.NewHTTPRequestRateLimiter("hltb", config.RequestRateLimit),
		executor:  executor,
		transport: transport,
		matcher:   matcher,
		metrics:   metrics,
		logger:    logrus.WithField("component", "HLTBClient"),
	}
}

type hltbSearchRequest struct {
	SearchType    string            `json:"searchType"`
	SearchTerms   []string          `json:"searchTerms"`
	SearchPage    int               `json:"searchPage"`
	Size          int               `json:"size"`
	SearchOptions hltbSearchOptions `json:"searchOptions"`
	UseCache      bool              `json:"useCache"`
}

type hltbSearchOptions struct {
	Games struct {
		UserID        int    `json:"userId"`
		Platform      string `json:"platform"`
		SortCategory  string `json:"sortCategory"`
		RangeCategory string `json:"rangeCategory"`
		Modifier      string `json:"modifier"`
	} `json:"games"`
	Filter     string `json:"filter"`
	Sort       int    `json:"sort"`
	Randomizer int    `json:"randomizer"`
}

type hltbGame struct {
	GameID       int    `json:"game_id"`
	GameName     string `json:"game_name"`
	CompMain     int    `json:"comp_main"`
	CompPlus     int    `json:"comp_plus"`
	Comp100      int    `json:"comp_100"`
	CompAll      int    `json:"comp_all"`
	ProfileSteam int    `json:"profile_steam"`
}

type hltbSearchResponse struct {
	Data *[]hltbGame `json:"data"`
}

// Resolve returns the completion time for ref, nil when the site has no
// acceptable match, or an error for transient failures.
func (c *HLTBClient) Resolve(ctx context.Context, ref models.GameRef) (*models.CompletionTime, error) {
	start := time.Now()
	logger := c.logger.WithFields(logrus.Fields{
		"method":     "Resolve",
		"identifier": ref.Identifier,
		"name":       ref.Name,
	})

	terms := strings.Fields(ref.Name)
	if len(terms) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(newHLTBSearchRequest(terms))
	if err != nil {
		return nil, err
	}

	var body []byte
	err = c.limiter.Do(ctx, func(ctx context.Context) error {
		var searchErr error
		body, searchErr = c.search(ctx, payload)
		return searchErr
	})
	if err != nil {
		var statusErr *shared.HTTPStatusError
		if errors.As(err, &statusErr) && !shared.IsTransientError(err) {
			c.metrics.RecordRequest(true, time.Since(start))
			logger.WithField("status_code", statusErr.StatusCode).Warn("Completion-time search rejected, treating as not found")
			return nil, nil
		}
		c.metrics.RecordRequest(false, time.Since(start))
		if ctx.Err() != nil && !shared.IsTransientError(err) {
			err = shared.NewTransientError(shared.ErrorCategoryTimeout, "REQUEST_CANCELLED", "HLTBClient", "Resolve", err)
		}
		return nil, err
	}
	c.metrics.RecordRequest(true, time.Since(start))

	var response hltbSearchResponse
	if err := json.Unmarshal(body, &response); err != nil || response.Data == nil {
		c.metrics.IncrementCustomCounter("malformed_responses")
		logger.WithError(err).Warn("Malformed completion-time response, treating as not found")
		return nil, nil
	}

	game, ok := c.pickCandidate(ref, *response.Data)
	if !ok {
		c.metrics.IncrementCustomCounter("no_match")
		logger.WithField("candidates", len(*response.Data)).Debug("No acceptable completion-time candidate")
		return nil, nil
	}

	result := toCompletionTime(game)
	logger.WithFields(logrus.Fields{
		"game_id":    result.ID,
		"main_hours": result.MainHours,
	}).Debug("Completion time resolved")
	return &result, nil
}

// search posts to the cached search path, rediscovering it once after a 404.
// A second 404 means the endpoint moved, not that the game is unknown.
func (c *HLTBClient) search(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := c.currentSearchPath(ctx)
	if err != nil {
		return nil, err
	}
	body, err := c.transport.PostJSON(ctx, path, payload)
	if !isNotFoundStatus(err) {
		return body, err
	}

	c.logger.WithField("path", path).Info("Completion-time search path returned 404, rediscovering")
	c.pathMutex.Lock()
	c.searchPath = ""
	c.pathMutex.Unlock()

	path, err = c.currentSearchPath(ctx)
	if err != nil {
		return nil, err
	}
	body, err = c.transport.PostJSON(ctx, path, payload)
	if isNotFoundStatus(err) {
		c.pathMutex.Lock()
		c.searchPath = ""
		c.pathMutex.Unlock()
		return nil, shared.NewTransientError(shared.ErrorCategoryNetwork, "SEARCH_ENDPOINT_UNAVAILABLE", "HLTBClient", "search", err)
	}
	return body, err
}

func isNotFoundStatus(err error) bool {
	var statusErr *shared.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// currentSearchPath returns the cached path, discovering it when unset.
// Transient discovery failures are returned; other failures fall back to the
// default path without caching it.
func (c *HLTBClient) currentSearchPath(ctx context.Context) (string, error) {
	c.pathMutex.Lock()
	defer c.pathMutex.Unlock()

	if c.searchPath != "" {
		return c.searchPath, nil
	}

	path, err := c.discoverSearchPath(ctx)
	if err != nil && (shared.IsTransientError(err) || ctx.Err() != nil) {
		c.metrics.IncrementCustomCounter("discovery_failures")
		return "", err
	}
	if err != nil || path == "" {
		c.logger.WithError(err).Debug("Search path discovery failed, using default")
		return defaultHLTBSearchPath, nil
	}
	c.searchPath = path
	c.logger.WithField("path", path).Info("Discovered completion-time search path")
	return path, nil
}

// discoverSearchPath finds the site's app bundle and reads the search
// endpoint out of it.
func (c *HLTBClient) discoverSearchPath(ctx context.Context) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/")
	if err != nil {
		return "", err
	}

	page, err := c.fetch(ctx, base.String(), "text/html")
	if err != nil {
		return "", err
	}
	document, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parsing home page: %w", err)
	}

	var scripts []string
	document.Find("script[src]").Each(func(_ int, selection *goquery.Selection) {
		if src, ok := selection.Attr("src"); ok && strings.Contains(src, "_app-") {
			scripts = append(scripts, src)
		}
	})

	for _, src := range scripts {
		ref, err := url.Parse(src)
		if err != nil {
			continue
		}
		script, err := c.fetch(ctx, base.ResolveReference(ref).String(), "*/*")
		if err != nil {
			continue
		}
		if path := extractSearchPath(string(script)); path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("no search path found in %d app bundles", len(scripts))
}

func (c *HLTBClient) fetch(ctx context.Context, target, accept string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	shared.SetAPIHeaders(request, accept)

	response, err := c.executor.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	return io.ReadAll(response.Body)
}

// extractSearchPath pulls "/api/<segment>/<key>" out of bundle source.
func extractSearchPath(script string) string {
	match := hltbSearchPathPattern.FindStringSubmatch(script)
	if match == nil {
		return ""
	}
	return "/api/" + match[1] + "/" + match[2] + match[3]
}

func (c *HLTBClient) pickCandidate(ref models.GameRef, games []hltbGame) (hltbGame, bool) {
	if steamID, err := strconv.Atoi(ref.Identifier); err == nil && steamID > 0 {
		for _, game := range games {
			if game.ProfileSteam == steamID {
				c.metrics.IncrementCustomCounter("crossref_matches")
				return game, true
			}
		}
	}

	game, _, ok := BestMatch(c.matcher, ref.Name, games, func(g hltbGame) string { return g.GameName })
	return game, ok
}

func newHLTBSearchRequest(terms []string) hltbSearchRequest {
	request := hltbSearchRequest{
		SearchType:  "games",
		SearchTerms: terms,
		SearchPage:  1,
		Size:        20,
		UseCache:    true,
	}
	request.SearchOptions.Games.SortCategory = "popular"
	request.SearchOptions.Games.RangeCategory = "main"
	return request
}

func toCompletionTime(game hltbGame) models.CompletionTime {
	result := models.CompletionTime{
		ID:                 game.GameID,
		MainHours:          secondsToHours(game.CompMain),
		ExtraHours:         secondsToHours(game.CompPlus),
		CompletionistHours: secondsToHours(game.Comp100),
		AllStylesHours:     secondsToHours(game.CompAll),
	}
	if game.ProfileSteam > 0 {
		crossRef := game.ProfileSteam
		result.CrossRefID = &crossRef
	}
	return result
}

// secondsToHours converts to hours rounded to one decimal place.
func secondsToHours(seconds int) float64 {
	return math.Round(float64(seconds)/360) / 10
}
