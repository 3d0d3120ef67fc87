package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

// Wikidata property ids used by the platform query.
const (
	propertySteamAppID       = "P1733"
	propertyPlatform         = "P400"
	propertyNintendoEShopID  = "P8084"
	propertyPlayStationStore = "P5944"
	propertyMicrosoftStore   = "P5885"
)

// wikidataPlatforms maps platform items onto tracked platform tags.
var wikidataPlatforms = map[string]models.PlatformTag{
	"Q19610114": models.PlatformNintendo,    // Nintendo Switch
	"Q5014725":  models.PlatformPlayStation, // PlayStation 4
	"Q63184502": models.PlatformPlayStation, // PlayStation 5
	"Q13361286": models.PlatformXbox,        // Xbox One
	"Q64513817": models.PlatformXbox,        // Xbox Series X and Series S
}

// WikidataClient resolves platform availability by storefront application id
// through the Wikidata SPARQL endpoint.
type WikidataClient struct {
	config   shared.ServiceConfig
	limiter  *shared.HTTPRequestRateLimiter
	executor *shared.HTTPExecutor
	metrics  *shared.ServiceMetrics
	logger   *logrus.Entry
}

// NewWikidataClient creates a client with its own request queue
func NewWikidataClient(config shared.ServiceConfig, httpClient *http.Client, metrics *shared.ServiceMetrics) *WikidataClient {
	return &WikidataClient{
		config:   config,
		limiter:  shared.NewHTTPRequestRateLimiter("wikidata", config.RequestRateLimit),
		executor: shared.NewHTTPExecutor("WikidataClient", httpClient, config),
		metrics:  metrics,
		logger:   logrus.WithField("component", "WikidataClient"),
	}
}

// Limiter exposes the request queue, mainly for tests.
func (c *WikidataClient) Limiter() *shared.HTTPRequestRateLimiter {
	return c.limiter
}

// Resolve looks up one game. A game the source does not know yields a
// result with Found=false; transient failures are returned as errors.
func (c *WikidataClient) Resolve(ctx context.Context, ref models.GameRef) (*models.SourceResult, error) {
	results, err := c.ResolveBatch(ctx, []models.GameRef{ref})
	if err != nil {
		return nil, err
	}
	if result, ok := results[ref.Identifier]; ok {
		return result, nil
	}
	return models.NotFoundResult(), nil
}

// ResolveBatch looks up many games, one queued request per chunk of
// BatchSize identifiers. When a chunk fails transiently the results of the
// chunks that succeeded are returned together with the error.
func (c *WikidataClient) ResolveBatch(ctx context.Context, refs []models.GameRef) (map[string]*models.SourceResult, error) {
	results := make(map[string]*models.SourceResult, len(refs))

	var queryable []string
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref.Identifier] {
			continue
		}
		seen[ref.Identifier] = true
		if !isNumericIdentifier(ref.Identifier) {
			results[ref.Identifier] = models.NotFoundResult()
			continue
		}
		queryable = append(queryable, ref.Identifier)
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	var failures []error
	chunks := 0
	for start := 0; start < len(queryable); start += batchSize {
		end := start + batchSize
		if end > len(queryable) {
			end = len(queryable)
		}
		chunk := queryable[start:end]
		chunks++

		chunkResults, err := c.queryChunk(ctx, chunk)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		for id, result := range chunkResults {
			results[id] = result
		}
	}

	if len(failures) > 0 {
		summary := shared.BuildBatchProcessingErrorSummary(chunks-len(failures), len(failures), failures)
		c.logger.WithFields(logrus.Fields{
			"method":        "ResolveBatch",
			"failed_chunks": len(failures),
			"summary":       summary,
		}).Warn("Structured-data batch lookup partially failed")
		return results, failures[0]
	}
	return results, nil
}

func (c *WikidataClient) queryChunk(ctx context.Context, identifiers []string) (map[string]*models.SourceResult, error) {
	start := time.Now()
	var body []byte

	err := c.limiter.Do(ctx, func(ctx context.Context) error {
		request, err := c.newQueryRequest(ctx, buildPlatformQuery(identifiers))
		if err != nil {
			return err
		}
		response, err := c.executor.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		body, err = io.ReadAll(response.Body)
		if err != nil {
			return shared.NewTransientError(shared.ErrorCategoryNetwork, "READ_FAILED", "WikidataClient", "queryChunk", err)
		}
		return nil
	})

	results := make(map[string]*models.SourceResult, len(identifiers))
	for _, id := range identifiers {
		results[id] = models.NotFoundResult()
	}

	if err != nil {
		var statusErr *shared.HTTPStatusError
		if errors.As(err, &statusErr) && !shared.IsTransientError(err) {
			c.metrics.RecordRequest(true, time.Since(start))
			c.logger.WithFields(logrus.Fields{
				"method":      "queryChunk",
				"status_code": statusErr.StatusCode,
				"identifiers": len(identifiers),
			}).Warn("Structured-data source rejected query, treating chunk as not found")
			return results, nil
		}
		c.metrics.RecordRequest(false, time.Since(start))
		if ctx.Err() != nil {
			return nil, shared.NewTransientError(shared.ErrorCategoryTimeout, "REQUEST_CANCELLED", "WikidataClient", "queryChunk", err)
		}
		return nil, err
	}
	c.metrics.RecordRequest(true, time.Since(start))

	parsed, parseErr := parsePlatformResponse(body)
	if parseErr != nil {
		c.metrics.IncrementCustomCounter("malformed_responses")
		c.logger.WithError(parseErr).WithField("method", "queryChunk").Warn("Malformed structured-data response, treating chunk as not found")
		return results, nil
	}
	for id, result := range parsed {
		if _, requested := results[id]; requested {
			results[id] = result
		}
	}

	c.logger.WithFields(logrus.Fields{
		"method":      "queryChunk",
		"identifiers": len(identifiers),
		"found":       len(parsed),
		"duration":    time.Since(start),
	}).Debug("Structured-data chunk resolved")

	return results, nil
}

func (c *WikidataClient) newQueryRequest(ctx context.Context, query string) (*http.Request, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("format", "json")

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, shared.NewServiceError(shared.ErrorCategoryConfiguration, "INVALID_ENDPOINT", "cannot build SPARQL request", "WikidataClient", "newQueryRequest", false, err)
	}
	shared.SetAPIHeaders(request, "application/sparql-results+json")
	return request, nil
}

// buildPlatformQuery renders the SPARQL query for a set of numeric ids.
func buildPlatformQuery(identifiers []string) string {
	values := make([]string, len(identifiers))
	for i, id := range identifiers {
		values[i] = fmt.Sprintf("%q", id)
	}

	return fmt.Sprintf(`SELECT ?item ?itemLabel ?appId ?platform ?eshop ?psStore ?msStore WHERE {
  VALUES ?appId { %s }
  ?item wdt:%s ?appId .
  OPTIONAL { ?item wdt:%s ?platform . }
  OPTIONAL { ?item wdt:%s ?eshop . }
  OPTIONAL { ?item wdt:%s ?psStore . }
  OPTIONAL { ?item wdt:%s ?msStore . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}`, strings.Join(values, " "), propertySteamAppID, propertyPlatform,
		propertyNintendoEShopID, propertyPlayStationStore, propertyMicrosoftStore)
}

type sparqlValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sparqlResponse struct {
	Results *struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
}

// parsePlatformResponse folds SPARQL result rows into one result per app id.
// The first item seen for an app id wins.
func parsePlatformResponse(body []byte) (map[string]*models.SourceResult, error) {
	var response sparqlResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	if response.Results == nil {
		return nil, fmt.Errorf("response has no results section")
	}

	results := make(map[string]*models.SourceResult)
	for _, row := range response.Results.Bindings {
		appID := row["appId"].Value
		itemID := entityID(row["item"].Value)
		if appID == "" || itemID == "" {
			continue
		}

		result, ok := results[appID]
		if !ok {
			result = models.NotFoundResult()
			result.Found = true
			result.SourceRecordID = itemID
			result.Title = row["itemLabel"].Value
			results[appID] = result
		}
		if result.SourceRecordID != itemID {
			continue
		}

		if tag, ok := wikidataPlatforms[entityID(row["platform"].Value)]; ok {
			result.Platforms[tag] = true
		}
		if id := row["eshop"].Value; id != "" {
			result.StoreIDs[models.PlatformNintendo] = id
		}
		if id := row["psStore"].Value; id != "" {
			result.StoreIDs[models.PlatformPlayStation] = id
		}
		if id := row["msStore"].Value; id != "" {
			result.StoreIDs[models.PlatformXbox] = id
		}
	}
	return results, nil
}

// entityID returns the trailing Q-id of an entity URI.
func entityID(uri string) string {
	if uri == "" {
		return ""
	}
	return uri[strings.LastIndex(uri, "/")+1:]
}

func isNumericIdentifier(id string) bool {
	if id == "" || len(id) > 12 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
