package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

const (
	TransportHTTP    = "http"
	TransportBrowser = "browser"
)

type Config struct {
	ServerPort              string
	OverridesFile           string
	CompletionTimeTransport string
	MaintenanceInterval     time.Duration

	Unified *shared.UnifiedConfiguration
}

// LoadConfig reads .env (if present) and the environment on top of the
// default configuration.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file loaded, using system environment variables")
	}
	return FromEnvironment()
}

// FromEnvironment builds the configuration from environment variables only.
func FromEnvironment() *Config {
	unified := shared.NewDefaultUnifiedConfiguration()

	unified.Store.Driver = getEnv("STORE_DRIVER", unified.Store.Driver)
	unified.Store.DatabaseURL = getEnv("DATABASE_URL", "")
	unified.Store.SQLitePath = getEnv("SQLITE_PATH", unified.Store.SQLitePath)
	unified.Store.KeyPrefix = getEnv("STORE_KEY_PREFIX", unified.Store.KeyPrefix)

	unified.Cache.TTLDays = getInt("CACHE_TTL_DAYS", unified.Cache.TTLDays)
	unified.Cache.VerifyStoreLinks = getBool("VERIFY_STORE_LINKS", unified.Cache.VerifyStoreLinks)
	unified.Matching.Threshold = getFloat("MATCH_THRESHOLD", unified.Matching.Threshold)

	unified.StructuredData.BaseURL = getEnv("STRUCTURED_DATA_ENDPOINT", unified.StructuredData.BaseURL)
	unified.CompletionTime.BaseURL = getEnv("COMPLETION_TIME_BASE_URL", unified.CompletionTime.BaseURL)
	unified.ReviewScore.BaseURL = getEnv("REVIEW_SCORE_BASE_URL", unified.ReviewScore.BaseURL)

	unified.Logging.Level = getEnv("LOG_LEVEL", unified.Logging.Level)
	unified.Logging.Format = getEnv("LOG_FORMAT", unified.Logging.Format)

	unified.ValidateAndApplyDefaults()

	transport := strings.ToLower(getEnv("COMPLETION_TIME_TRANSPORT", TransportHTTP))
	if transport != TransportHTTP && transport != TransportBrowser {
		logrus.Warnf("Invalid COMPLETION_TIME_TRANSPORT value: %s, using %s", transport, TransportHTTP)
		transport = TransportHTTP
	}

	return &Config{
		ServerPort:              getEnv("SERVER_PORT", "8080"),
		OverridesFile:           getEnv("OVERRIDES_FILE", ""),
		CompletionTimeTransport: transport,
		MaintenanceInterval:     getDuration("MAINTENANCE_INTERVAL", 12*time.Hour),
		Unified:                 unified,
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		logrus.Warnf("Invalid %s value: %s, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}

func getFloat(key string, fallback float64) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %v", key, raw, fallback)
		return fallback
	}
	return value
}

func getBool(key string, fallback bool) bool {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %v", key, raw, fallback)
		return fallback
	}
	return value
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		logrus.Warnf("Invalid %s value: %s, using default %v", key, raw, fallback)
		return fallback
	}
	return value
}
