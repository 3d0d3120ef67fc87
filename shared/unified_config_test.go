package shared

import (
	"testing"
	"time"
)

func TestValidateAndApplyDefaults(t *testing.T) {
	config := &UnifiedConfiguration{
		StructuredData: ServiceConfig{BaseURL: "http://localhost:9999/sparql", RequestRateLimit: -1},
		Cache:          CacheConfig{TTLDays: -3},
		Matching:       MatchConfig{Threshold: 2},
	}
	config.ValidateAndApplyDefaults()
	defaults := NewDefaultUnifiedConfiguration()

	if config.StructuredData.BaseURL != "http://localhost:9999/sparql" {
		t.Error("Explicit base URL must be kept")
	}
	if config.StructuredData.RequestRateLimit != defaults.StructuredData.RequestRateLimit {
		t.Errorf("Expected default rate limit, got %v", config.StructuredData.RequestRateLimit)
	}
	if config.CompletionTime.BaseURL != defaults.CompletionTime.BaseURL {
		t.Error("Expected default completion-time base URL")
	}
	if config.Cache.TTLDays != 7 || config.Matching.Threshold != 0.5 {
		t.Errorf("Unexpected cache/matching defaults: %+v %+v", config.Cache, config.Matching)
	}
	if config.Store.Driver != "sqlite" || config.Store.KeyPrefix == "" {
		t.Errorf("Unexpected store defaults: %+v", config.Store)
	}
}

func TestZeroRateLimitIsKept(t *testing.T) {
	config := NewDefaultUnifiedConfiguration()
	config.ReviewScore.RequestRateLimit = 0
	config.ValidateAndApplyDefaults()
	if config.ReviewScore.RequestRateLimit != 0 {
		t.Error("A zero rate limit disables spacing and must not be overridden")
	}
}

func TestConfigurationJSONRoundTrip(t *testing.T) {
	config := NewDefaultUnifiedConfiguration()
	config.Cache.BackgroundRefreshTimeout = 90 * time.Second
	data, err := config.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}

	var loaded UnifiedConfiguration
	if err := loaded.LoadFromJSON(data); err != nil {
		t.Fatalf("LoadFromJSON failed: %v", err)
	}
	if loaded.Cache.BackgroundRefreshTimeout != 90*time.Second || loaded.Store.SQLitePath != config.Store.SQLitePath {
		t.Errorf("Configuration changed across JSON: %+v", loaded)
	}

	if err := loaded.LoadFromJSON([]byte("{")); err == nil {
		t.Error("Expected an error for invalid JSON")
	}
}
