// Package app builds the service stack from configuration. The HTTP server
// and the admin CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/config"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/database"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/handlers"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/jobs"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/services"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config      *config.Config
	Store       database.Store
	Resolver    *services.Resolver
	Registry    *shared.MetricsRegistry
	Maintenance *jobs.CacheMaintenanceJob

	httpClients *shared.HTTPClientFactory
	relay       *services.BrowserRelay
}

// Build opens the store and wires the sources, matcher, overrides and
// resolver described by cfg.
func Build(cfg *config.Config) (*App, error) {
	unified := cfg.Unified
	shared.ConfigureLogging(unified.Logging)

	store, err := database.Open(unified.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	overrides, err := services.LoadOverrideTable(cfg.OverridesFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := shared.NewMetricsRegistry()
	httpClients := shared.NewHTTPClientFactory(unified.StructuredData.HTTPRequestTimeout)
	matcher := services.NewNameMatcher(unified.Matching.Threshold, registry.Register("NameMatcher"))

	var checker services.LinkChecker
	if unified.Cache.VerifyStoreLinks {
		checker = services.NewCollyLinkChecker(unified.ReviewScore.HTTPRequestTimeout)
	}
	urls := services.NewStoreURLBuilder(checker, unified.Cache.VerifyStoreLinks)

	platforms := services.NewWikidataClient(
		unified.StructuredData,
		httpClients.CreateOptimizedHTTPClient(unified.StructuredData.HTTPRequestTimeout),
		registry.Register("WikidataClient"),
	)

	var relay *services.BrowserRelay
	var transport services.SearchTransport
	if cfg.CompletionTimeTransport == config.TransportBrowser {
		relay = services.NewBrowserRelay(unified.CompletionTime.BaseURL, services.DefaultRelayTimeout)
		transport = relay
	}
	completion := services.NewHLTBClient(
		unified.CompletionTime,
		httpClients.CreateOptimizedHTTPClient(unified.CompletionTime.HTTPRequestTimeout),
		transport,
		matcher,
		registry.Register("HLTBClient"),
	)

	reviews := services.NewOpenCriticClient(
		unified.ReviewScore,
		httpClients.CreateOptimizedHTTPClient(unified.ReviewScore.HTTPRequestTimeout),
		matcher,
		registry.Register("OpenCriticClient"),
	)

	resolver := services.NewResolver(store, platforms, completion, reviews, overrides, urls,
		registry.Register("Resolver"),
		services.ResolverConfig{
			KeyPrefix:                unified.Store.KeyPrefix,
			TTLDays:                  unified.Cache.TTLDays,
			BackgroundRefreshTimeout: unified.Cache.BackgroundRefreshTimeout,
			BatchLookupConcurrency:   unified.Cache.BatchLookupConcurrency,
		},
	)

	logrus.WithFields(logrus.Fields{
		"component":       "App",
		"store_driver":    unified.Store.Driver,
		"overrides":       overrides.Len(),
		"ttl_days":        unified.Cache.TTLDays,
		"match_threshold": matcher.Threshold(),
		"hltb_transport":  cfg.CompletionTimeTransport,
		"verify_links":    unified.Cache.VerifyStoreLinks,
	}).Info("Wishlist services initialized")

	return &App{
		Config:      cfg,
		Store:       store,
		Resolver:    resolver,
		Registry:    registry,
		Maintenance: jobs.NewCacheMaintenanceJob(resolver, registry, cfg.MaintenanceInterval),
		httpClients: httpClients,
		relay:       relay,
	}, nil
}

// HealthCheck pings SQL-backed stores; other stores are always healthy.
func (a *App) HealthCheck(ctx context.Context) error {
	if backed, ok := a.Store.(database.SQLBacked); ok {
		return database.HealthCheck(ctx, backed.DB())
	}
	return nil
}

// NewServer returns the fiber app serving the gateway routes.
func (a *App) NewServer() *fiber.App {
	server := fiber.New(fiber.Config{
		AppName:      a.Config.Unified.Logging.ServiceName,
		ErrorHandler: errorHandler,
	})

	server.Use(recover.New())
	server.Use(handlers.RequestID())
	server.Use(logger.New())
	server.Use(cors.New())

	system := handlers.NewSystemHandler(a.Registry, a.HealthCheck)
	server.Get("/health", system.Health)

	api := server.Group("/api/v1")
	handlers.NewWishlistHandler(a.Resolver).Register(api)
	api.Get("/metrics", system.GetMetrics)

	return server
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Request could not be completed"
	if fiberErr, ok := err.(*fiber.Error); ok {
		status = fiberErr.Code
		message = fiberErr.Message
	}
	if status >= fiber.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"component":  "App",
			"request_id": handlers.RequestIDFrom(c),
			"path":       c.Path(),
		}).WithError(err).Error("Unhandled request error")
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// Close waits for background refreshes, then releases the browser relay,
// idle HTTP connections and the store.
func (a *App) Close() error {
	a.Resolver.WaitForBackground()
	if a.relay != nil {
		a.relay.Close()
	}
	a.httpClients.CleanupAllClients()
	return a.Store.Close()
}
