package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// OpenCriticClient looks up review scores by name search followed by a
// detail request for the best match.
type OpenCriticClient struct {
	config   shared.ServiceConfig
	limiter  *shared.HTTPRequestRateLimiter
	executor *shared.HTTPExecutor
	matcher  *NameMatcher
	metrics  *shared.ServiceMetrics
	logger   *logrus.Entry
}

// NewOpenCriticClient creates a review-score client.
func NewOpenCriticClient(config shared.ServiceConfig, httpClient *http.Client, matcher *NameMatcher, metrics *shared.ServiceMetrics) *OpenCriticClient {
	return &OpenCriticClient{
		config:   config,
		limiter:  shared.NewHTTPRequestRateLimiter("opencritic", config.RequestRateLimit),
		executor: shared.NewHTTPExecutor("OpenCriticClient", httpClient, config),
		matcher:  matcher,
		metrics:  metrics,
		logger:   logrus.WithField("component", "OpenCriticClient"),
	}
}

type openCriticSearchHit struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type openCriticGame struct {
	ID                 int      `json:"id"`
	Name               string   `json:"name"`
	TopCriticScore     *float64 `json:"topCriticScore"`
	Tier               string   `json:"tier"`
	NumReviews         int      `json:"numReviews"`
	PercentRecommended float64  `json:"percentRecommended"`
}

// Resolve returns the review score for ref, nil when there is no acceptable
// match or the game has no score yet, or an error for transient failures.
func (c *OpenCriticClient) Resolve(ctx context.Context, ref models.GameRef) (*models.ReviewScore, error) {
	start := time.Now()
	logger := c.logger.WithFields(logrus.Fields{
		"method":     "Resolve",
		"identifier": ref.Identifier,
		"name":       ref.Name,
	})

	if strings.TrimSpace(ref.Name) == "" {
		return nil, nil
	}

	searchURL := fmt.Sprintf("%s/api/game/search?criteria=%s", strings.TrimRight(c.config.BaseURL, "/"), url.QueryEscape(ref.Name))
	body, negative, err := c.get(ctx, searchURL)
	if err != nil {
		c.metrics.RecordRequest(false, time.Since(start))
		return nil, err
	}
	if negative {
		c.metrics.RecordRequest(true, time.Since(start))
		return nil, nil
	}

	var hits []openCriticSearchHit
	if err := json.Unmarshal(body, &hits); err != nil {
		c.metrics.IncrementCustomCounter("malformed_responses")
		c.metrics.RecordRequest(true, time.Since(start))
		logger.WithError(err).Warn("Malformed review search response, treating as not found")
		return nil, nil
	}

	hit, score, ok := BestMatch(c.matcher, ref.Name, hits, func(h openCriticSearchHit) string { return h.Name })
	if !ok {
		c.metrics.IncrementCustomCounter("no_match")
		c.metrics.RecordRequest(true, time.Since(start))
		logger.WithField("candidates", len(hits)).Debug("No acceptable review candidate")
		return nil, nil
	}

	detailURL := fmt.Sprintf("%s/api/game/%d", strings.TrimRight(c.config.BaseURL, "/"), hit.ID)
	body, negative, err = c.get(ctx, detailURL)
	if err != nil {
		c.metrics.RecordRequest(false, time.Since(start))
		return nil, err
	}
	c.metrics.RecordRequest(true, time.Since(start))
	if negative {
		return nil, nil
	}

	var game openCriticGame
	if err := json.Unmarshal(body, &game); err != nil {
		c.metrics.IncrementCustomCounter("malformed_responses")
		logger.WithError(err).Warn("Malformed review detail response, treating as not found")
		return nil, nil
	}
	if game.TopCriticScore == nil || *game.TopCriticScore < 0 {
		logger.WithField("source_id", hit.ID).Debug("Game has no critic score yet")
		return nil, nil
	}

	result := &models.ReviewScore{
		SourceID:           game.ID,
		Score:              math.Round(*game.TopCriticScore),
		Tier:               models.Tier(game.Tier),
		ReviewCount:        game.NumReviews,
		PercentRecommended: math.Round(game.PercentRecommended),
	}
	if result.SourceID == 0 {
		result.SourceID = hit.ID
	}

	logger.WithFields(logrus.Fields{
		"source_id":   result.SourceID,
		"score":       result.Score,
		"match_score": score,
	}).Debug("Review score resolved")
	return result, nil
}

// get performs one queued GET. negative is set when the source answered with
// a non-transient error status, which callers treat as "no match".
func (c *OpenCriticClient) get(ctx context.Context, target string) (body []byte, negative bool, err error) {
	err = c.limiter.Do(ctx, func(ctx context.Context) error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		shared.SetAPIHeaders(request, "application/json")

		response, err := c.executor.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		body, err = io.ReadAll(response.Body)
		if err != nil {
			return shared.NewTransientError(shared.ErrorCategoryNetwork, "READ_FAILED", "OpenCriticClient", "get", err)
		}
		return nil
	})
	if err == nil {
		return body, false, nil
	}

	var statusErr *shared.HTTPStatusError
	if errors.As(err, &statusErr) && !shared.IsTransientError(err) {
		c.logger.WithFields(logrus.Fields{
			"method":      "get",
			"status_code": statusErr.StatusCode,
		}).Warn("Review source rejected request, treating as not found")
		return nil, true, nil
	}
	if ctx.Err() != nil && !shared.IsTransientError(err) {
		err = shared.NewTransientError(shared.ErrorCategoryTimeout, "REQUEST_CANCELLED", "OpenCriticClient", "get", err)
	}
	return nil, false, err
}
