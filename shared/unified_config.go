package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// UnifiedConfiguration holds all configuration parameters for the entire application
type UnifiedConfiguration struct {
	StructuredData ServiceConfig `json:"structured_data"`
	CompletionTime ServiceConfig `json:"completion_time"`
	ReviewScore    ServiceConfig `json:"review_score"`
	Store          StoreConfig   `json:"store"`
	Cache          CacheConfig   `json:"cache"`
	Matching       MatchConfig   `json:"matching"`
	Logging        LoggingConfig `json:"logging"`
}

// ServiceConfig holds configuration for one external source client
type ServiceConfig struct {
	BaseURL            string        `json:"base_url"`
	HTTPRequestTimeout time.Duration `json:"http_timeout"`
	RequestRateLimit   time.Duration `json:"rate_limit"`
	MaxRetryAttempts   int           `json:"max_retries"`
	RetryBaseDelay     time.Duration `json:"retry_base_delay"`
	BatchSize          int           `json:"batch_size"`
	EnableMetrics      bool          `json:"enable_metrics"`
}

// StoreConfig holds persistent store configuration
type StoreConfig struct {
	Driver          string        `json:"driver"`
	DatabaseURL     string        `json:"database_url"`
	SQLitePath      string        `json:"sqlite_path"`
	KeyPrefix       string        `json:"key_prefix"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	PingTimeout     time.Duration `json:"ping_timeout"`
}

// CacheConfig holds record lifetime and refresh configuration
type CacheConfig struct {
	TTLDays                  int           `json:"ttl_days"`
	BackgroundRefreshTimeout time.Duration `json:"background_refresh_timeout"`
	BatchLookupConcurrency   int           `json:"batch_lookup_concurrency"`
	VerifyStoreLinks         bool          `json:"verify_store_links"`
}

// MatchConfig holds fuzzy name matching policy
type MatchConfig struct {
	Threshold float64 `json:"threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	ServiceName string `json:"service_name"`
}

// NewDefaultUnifiedConfiguration returns production-ready default configuration
func NewDefaultUnifiedConfiguration() *UnifiedConfiguration {
	return &UnifiedConfiguration{
		StructuredData: NewStructuredDataConfig(),
		CompletionTime: NewCompletionTimeConfig(),
		ReviewScore:    NewReviewScoreConfig(),
		Store: StoreConfig{
			Driver:          "sqlite",
			SQLitePath:      "wishlist-cache.db",
			KeyPrefix:       "wishlist_cache_",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			PingTimeout:     5 * time.Second,
		},
		Cache: CacheConfig{
			TTLDays:                  7,
			BackgroundRefreshTimeout: 2 * time.Minute,
			BatchLookupConcurrency:   4,
			VerifyStoreLinks:         true,
		},
		Matching: MatchConfig{
			Threshold: 0.5,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "wishlist-plus",
		},
	}
}

// NewStructuredDataConfig returns the SPARQL endpoint client configuration
func NewStructuredDataConfig() ServiceConfig {
	return ServiceConfig{
		BaseURL:            "https://query.wikidata.org/sparql",
		HTTPRequestTimeout: 30 * time.Second,
		RequestRateLimit:   500 * time.Millisecond,
		MaxRetryAttempts:   3,
		RetryBaseDelay:     1 * time.Second,
		BatchSize:          50,
		EnableMetrics:      true,
	}
}

// NewCompletionTimeConfig returns the completion-time client configuration
func NewCompletionTimeConfig() ServiceConfig {
	return ServiceConfig{
		BaseURL:            "https://howlongtobeat.com",
		HTTPRequestTimeout: 10 * time.Second,
		RequestRateLimit:   0,
		MaxRetryAttempts:   3,
		RetryBaseDelay:     1 * time.Second,
		EnableMetrics:      true,
	}
}

// NewReviewScoreConfig returns the review aggregator client configuration
func NewReviewScoreConfig() ServiceConfig {
	return ServiceConfig{
		BaseURL:            "https://api.opencritic.com",
		HTTPRequestTimeout: 15 * time.Second,
		RequestRateLimit:   300 * time.Millisecond,
		MaxRetryAttempts:   3,
		RetryBaseDelay:     1 * time.Second,
		EnableMetrics:      true,
	}
}

// ValidateAndApplyDefaults validates configuration and applies defaults for invalid values
func (c *UnifiedConfiguration) ValidateAndApplyDefaults() {
	logger := logrus.WithField("component", "UnifiedConfiguration")
	defaults := NewDefaultUnifiedConfiguration()

	applyServiceDefaults(&c.StructuredData, defaults.StructuredData, "StructuredData", logger)
	applyServiceDefaults(&c.CompletionTime, defaults.CompletionTime, "CompletionTime", logger)
	applyServiceDefaults(&c.ReviewScore, defaults.ReviewScore, "ReviewScore", logger)

	if c.Store.Driver == "" {
		c.Store.Driver = defaults.Store.Driver
		logger.Debug("Applied default Store.Driver")
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = defaults.Store.KeyPrefix
		logger.Debug("Applied default Store.KeyPrefix")
	}
	if c.Store.MaxOpenConns <= 0 {
		c.Store.MaxOpenConns = defaults.Store.MaxOpenConns
	}
	if c.Store.MaxIdleConns <= 0 {
		c.Store.MaxIdleConns = defaults.Store.MaxIdleConns
	}
	if c.Store.ConnMaxLifetime <= 0 {
		c.Store.ConnMaxLifetime = defaults.Store.ConnMaxLifetime
	}
	if c.Store.PingTimeout <= 0 {
		c.Store.PingTimeout = defaults.Store.PingTimeout
	}

	if c.Cache.TTLDays <= 0 {
		c.Cache.TTLDays = defaults.Cache.TTLDays
		logger.Debug("Applied default Cache.TTLDays")
	}
	if c.Cache.BackgroundRefreshTimeout <= 0 {
		c.Cache.BackgroundRefreshTimeout = defaults.Cache.BackgroundRefreshTimeout
	}
	if c.Cache.BatchLookupConcurrency <= 0 {
		c.Cache.BatchLookupConcurrency = defaults.Cache.BatchLookupConcurrency
	}

	if c.Matching.Threshold <= 0 || c.Matching.Threshold > 1 {
		c.Matching.Threshold = defaults.Matching.Threshold
		logger.Debug("Applied default Matching.Threshold")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = defaults.Logging.ServiceName
	}
}

func applyServiceDefaults(c *ServiceConfig, defaults ServiceConfig, name string, logger *logrus.Entry) {
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
		logger.Debugf("Applied default %s.BaseURL", name)
	}
	if c.HTTPRequestTimeout <= 0 {
		c.HTTPRequestTimeout = defaults.HTTPRequestTimeout
	}
	if c.RequestRateLimit < 0 {
		c.RequestRateLimit = defaults.RequestRateLimit
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = defaults.MaxRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
}

// ToJSON serializes the configuration to JSON
func (c *UnifiedConfiguration) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// LoadFromJSON deserializes configuration from JSON
func (c *UnifiedConfiguration) LoadFromJSON(jsonData []byte) error {
	if err := json.Unmarshal(jsonData, c); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	c.ValidateAndApplyDefaults()
	return nil
}
