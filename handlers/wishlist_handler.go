package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/services"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/sirupsen/logrus"
)

const genericErrorMessage = "Request could not be completed"

// WishlistResolver is the resolution surface the gateway exposes.
type WishlistResolver interface {
	Resolve(ctx context.Context, ref models.GameRef) (*services.Resolution, error)
	ResolveBatch(ctx context.Context, refs []models.GameRef) ([]*services.Resolution, error)
	ForceRefresh(ctx context.Context, ref models.GameRef) (*services.Resolution, error)
	Stats(ctx context.Context) (models.CacheStats, error)
	ClearCache(ctx context.Context) (int, error)
	CompletionTime(ctx context.Context, ref models.GameRef) (*models.CompletionTime, error)
	CompletionTimeBatch(ctx context.Context, refs []models.GameRef) (map[string]*models.CompletionTime, error)
	ReviewScore(ctx context.Context, ref models.GameRef) (*models.ReviewScore, error)
	ReviewScoreBatch(ctx context.Context, refs []models.GameRef) (map[string]*models.ReviewScore, error)
}

type WishlistHandler struct {
	Resolver WishlistResolver
	logger   *logrus.Entry
}

// NewWishlistHandler creates a handler serving resolver.
func NewWishlistHandler(resolver WishlistResolver) *WishlistHandler {
	return &WishlistHandler{
		Resolver: resolver,
		logger:   logrus.WithField("component", "WishlistHandler"),
	}
}

// Register mounts the message endpoint and the REST routes on router.
func (h *WishlistHandler) Register(router fiber.Router) {
	router.Post("/messages", h.HandleMessage)

	router.Post("/platform-data", h.GetPlatformData)
	router.Post("/platform-data/batch", h.GetPlatformDataBatch)
	router.Post("/cache/refresh", h.UpdateCache)
	router.Get("/cache/stats", h.GetCacheStats)
	router.Delete("/cache", h.ClearCache)
	router.Post("/completion-time", h.GetCompletionTime)
	router.Post("/completion-time/batch", h.GetCompletionTimeBatch)
	router.Post("/review-scores", h.GetReviewScores)
	router.Post("/review-scores/batch", h.GetReviewScoresBatch)
}

// HandleMessage dispatches a {"action": ...} envelope to the matching handler.
func (h *WishlistHandler) HandleMessage(c *fiber.Ctx) error {
	var message models.Message
	if err := c.BodyParser(&message); err != nil {
		return h.badRequest(c, "Invalid request body")
	}

	switch message.Action {
	case models.ActionGetPlatformData:
		return h.getPlatformData(c, h.single(message))
	case models.ActionGetPlatformDataBatch:
		return h.getPlatformDataBatch(c, message.Games)
	case models.ActionUpdateCache:
		return h.updateCache(c, h.single(message))
	case models.ActionGetCacheStats:
		return h.GetCacheStats(c)
	case models.ActionClearCache:
		return h.ClearCache(c)
	case models.ActionGetCompletionTime:
		return h.getCompletionTime(c, h.single(message))
	case models.ActionGetCompletionBatch:
		return h.getCompletionTimeBatch(c, message.Games)
	case models.ActionGetReviewScores:
		return h.getReviewScores(c, h.single(message))
	case models.ActionGetReviewScoresBatch:
		return h.getReviewScoresBatch(c, message.Games)
	default:
		return h.badRequest(c, "Unknown action")
	}
}

func (h *WishlistHandler) single(message models.Message) models.GameRef {
	return models.GameRef{Identifier: message.Identifier, Name: message.Name}
}

// GetPlatformData resolves one game.
func (h *WishlistHandler) GetPlatformData(c *fiber.Ctx) error {
	var ref models.GameRef
	if err := c.BodyParser(&ref); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.getPlatformData(c, ref)
}

func (h *WishlistHandler) getPlatformData(c *fiber.Ctx, ref models.GameRef) (err error) {
	defer h.recoverInto(c, "GetPlatformData", &err)

	resolution, err := h.Resolver.Resolve(c.UserContext(), ref)
	if err != nil {
		return h.fail(c, "GetPlatformData", err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"data":      resolution.Record,
		"fromCache": resolution.FromCache,
	})
}

type batchRequest struct {
	Games []models.GameRef `json:"games"`
}

// GetPlatformDataBatch resolves a list of games keyed by identifier.
func (h *WishlistHandler) GetPlatformDataBatch(c *fiber.Ctx) error {
	var request batchRequest
	if err := c.BodyParser(&request); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.getPlatformDataBatch(c, request.Games)
}

func (h *WishlistHandler) getPlatformDataBatch(c *fiber.Ctx, games []models.GameRef) (err error) {
	defer h.recoverInto(c, "GetPlatformDataBatch", &err)

	resolutions, err := h.Resolver.ResolveBatch(c.UserContext(), games)
	if err != nil {
		return h.fail(c, "GetPlatformDataBatch", err)
	}

	results := make(map[string]*services.Resolution, len(resolutions))
	for _, resolution := range resolutions {
		results[resolution.Record.Identifier] = resolution
	}
	return c.JSON(fiber.Map{
		"success": true,
		"results": results,
	})
}

// UpdateCache forces a refresh of one game.
func (h *WishlistHandler) UpdateCache(c *fiber.Ctx) error {
	var ref models.GameRef
	if err := c.BodyParser(&ref); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.updateCache(c, ref)
}

func (h *WishlistHandler) updateCache(c *fiber.Ctx, ref models.GameRef) (err error) {
	defer h.recoverInto(c, "UpdateCache", &err)

	if _, err := h.Resolver.ForceRefresh(c.UserContext(), ref); err != nil {
		return h.fail(c, "UpdateCache", err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *WishlistHandler) GetCacheStats(c *fiber.Ctx) (err error) {
	defer h.recoverInto(c, "GetCacheStats", &err)

	stats, err := h.Resolver.Stats(c.UserContext())
	if err != nil {
		return h.fail(c, "GetCacheStats", err)
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"count":       stats.Count,
		"oldestEntry": stats.OldestEntry,
	})
}

func (h *WishlistHandler) ClearCache(c *fiber.Ctx) (err error) {
	defer h.recoverInto(c, "ClearCache", &err)

	removed, err := h.Resolver.ClearCache(c.UserContext())
	if err != nil {
		return h.fail(c, "ClearCache", err)
	}
	h.logger.WithFields(logrus.Fields{
		"method":     "ClearCache",
		"request_id": RequestIDFrom(c),
		"removed":    removed,
	}).Info("Cache cleared via gateway")
	return c.JSON(fiber.Map{"success": true})
}

func (h *WishlistHandler) GetCompletionTime(c *fiber.Ctx) error {
	var ref models.GameRef
	if err := c.BodyParser(&ref); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.getCompletionTime(c, ref)
}

func (h *WishlistHandler) getCompletionTime(c *fiber.Ctx, ref models.GameRef) (err error) {
	defer h.recoverInto(c, "GetCompletionTime", &err)

	value, err := h.Resolver.CompletionTime(c.UserContext(), ref)
	if err != nil {
		return h.fail(c, "GetCompletionTime", err)
	}
	return c.JSON(fiber.Map{"success": true, "data": value})
}

// GetCompletionTimeBatch returns completion times keyed by identifier.
func (h *WishlistHandler) GetCompletionTimeBatch(c *fiber.Ctx) error {
	var request batchRequest
	if err := c.BodyParser(&request); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.getCompletionTimeBatch(c, request.Games)
}

func (h *WishlistHandler) getCompletionTimeBatch(c *fiber.Ctx, games []models.GameRef) (err error) {
	defer h.recoverInto(c, "GetCompletionTimeBatch", &err)

	results, err := h.Resolver.CompletionTimeBatch(c.UserContext(), games)
	if err != nil {
		return h.fail(c, "GetCompletionTimeBatch", err)
	}
	return c.JSON(fiber.Map{"success": true, "results": results})
}

func (h *WishlistHandler) GetReviewScores(c *fiber.Ctx) error {
	var ref models.GameRef
	if err := c.BodyParser(&ref); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.getReviewScores(c, ref)
}

func (h *WishlistHandler) getReviewScores(c *fiber.Ctx, ref models.GameRef) (err error) {
	defer h.recoverInto(c, "GetReviewScores", &err)

	value, err := h.Resolver.ReviewScore(c.UserContext(), ref)
	if err != nil {
		return h.fail(c, "GetReviewScores", err)
	}
	return c.JSON(fiber.Map{"success": true, "data": value})
}

// GetReviewScoresBatch returns review scores keyed by identifier.
func (h *WishlistHandler) GetReviewScoresBatch(c *fiber.Ctx) error {
	var request batchRequest
	if err := c.BodyParser(&request); err != nil {
		return h.badRequest(c, "Invalid request body")
	}
	return h.getReviewScoresBatch(c, request.Games)
}

func (h *WishlistHandler) getReviewScoresBatch(c *fiber.Ctx, games []models.GameRef) (err error) {
	defer h.recoverInto(c, "GetReviewScoresBatch", &err)

	results, err := h.Resolver.ReviewScoreBatch(c.UserContext(), games)
	if err != nil {
		return h.fail(c, "GetReviewScoresBatch", err)
	}
	return c.JSON(fiber.Map{"success": true, "results": results})
}

// fail logs err and writes a generic failure body. Validation errors keep
// their message; everything else is hidden from the caller.
func (h *WishlistHandler) fail(c *fiber.Ctx, method string, err error) error {
	var serviceErr *shared.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Category == shared.ErrorCategoryValidation {
		return h.badRequest(c, serviceErr.Message)
	}

	h.logger.WithFields(logrus.Fields{
		"method":      method,
		"request_id":  RequestIDFrom(c),
		"store_error": shared.IsStoreError(err),
	}).WithError(err).Error("Request failed")

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   genericErrorMessage,
	})
}

func (h *WishlistHandler) badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// recoverInto turns a panic in a handler into the generic failure response.
func (h *WishlistHandler) recoverInto(c *fiber.Ctx, method string, err *error) {
	recovered := recover()
	if recovered == nil {
		return
	}
	*err = h.fail(c, method, fmt.Errorf("panic: %v", recovered))
}
