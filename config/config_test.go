package config

import (
	"testing"
	"time"
)

func TestFromEnvironmentDefaults(t *testing.T) {
	for _, key := range []string{"STORE_DRIVER", "CACHE_TTL_DAYS", "SERVER_PORT", "COMPLETION_TIME_TRANSPORT", "MATCH_THRESHOLD"} {
		t.Setenv(key, "")
	}

	cfg := FromEnvironment()
	if cfg.ServerPort != "8080" || cfg.CompletionTimeTransport != TransportHTTP || cfg.MaintenanceInterval != 12*time.Hour {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.Unified.Store.Driver != "sqlite" || cfg.Unified.Cache.TTLDays != 7 || cfg.Unified.Matching.Threshold != 0.5 {
		t.Errorf("Unexpected unified defaults: %+v", cfg.Unified)
	}
}

func TestFromEnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/wishlist?sslmode=disable")
	t.Setenv("CACHE_TTL_DAYS", "3")
	t.Setenv("VERIFY_STORE_LINKS", "false")
	t.Setenv("MATCH_THRESHOLD", "0.75")
	t.Setenv("COMPLETION_TIME_TRANSPORT", "Browser")
	t.Setenv("MAINTENANCE_INTERVAL", "30m")
	t.Setenv("REVIEW_SCORE_BASE_URL", "http://localhost:9000")
	t.Setenv("OVERRIDES_FILE", "/etc/wishlist/overrides.yaml")

	cfg := FromEnvironment()
	unified := cfg.Unified
	if unified.Store.Driver != "postgres" || unified.Store.DatabaseURL == "" {
		t.Errorf("Store settings not applied: %+v", unified.Store)
	}
	if unified.Cache.TTLDays != 3 || unified.Cache.VerifyStoreLinks {
		t.Errorf("Cache settings not applied: %+v", unified.Cache)
	}
	if unified.Matching.Threshold != 0.75 || unified.ReviewScore.BaseURL != "http://localhost:9000" {
		t.Errorf("Unexpected settings: %+v", unified)
	}
	if cfg.CompletionTimeTransport != TransportBrowser || cfg.MaintenanceInterval != 30*time.Minute || cfg.OverridesFile == "" {
		t.Errorf("Unexpected config: %+v", cfg)
	}
}

func TestFromEnvironmentInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_TTL_DAYS", "seven")
	t.Setenv("MATCH_THRESHOLD", "3")
	t.Setenv("VERIFY_STORE_LINKS", "sometimes")
	t.Setenv("COMPLETION_TIME_TRANSPORT", "carrier-pigeon")
	t.Setenv("MAINTENANCE_INTERVAL", "-1h")

	cfg := FromEnvironment()
	if cfg.Unified.Cache.TTLDays != 7 || cfg.Unified.Matching.Threshold != 0.5 || !cfg.Unified.Cache.VerifyStoreLinks {
		t.Errorf("Expected defaults for invalid values: %+v", cfg.Unified)
	}
	if cfg.CompletionTimeTransport != TransportHTTP || cfg.MaintenanceInterval != 12*time.Hour {
		t.Errorf("Expected defaults for invalid values: %+v", cfg)
	}
}
