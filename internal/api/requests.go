package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pvexport/internal/metrics"
	"github.com/basekick-labs/pvexport/internal/requests"
)

// headerRequestID carries the registry id of a tracked export request.
const headerRequestID = "X-Request-ID"

// RequestsHandler lists and cancels tracked export requests.
type RequestsHandler struct {
	registry *requests.Registry
	logger   zerolog.Logger
}

// NewRequestsHandler creates a handler over registry.
func NewRequestsHandler(registry *requests.Registry, logger zerolog.Logger) *RequestsHandler {
	return &RequestsHandler{
		registry: registry,
		logger:   logger.With().Str("component", "requests-api").Logger(),
	}
}

// RegisterRoutes registers the request management routes
func (h *RequestsHandler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/api/v1/requests")
	group.Get("/active", h.listActive)
	group.Get("/history", h.listHistory)
	group.Get("/:id", h.getRequest)
	group.Delete("/:id", h.cancelRequest)
}

func (h *RequestsHandler) listActive(c *fiber.Ctx) error {
	active := h.registry.Active()
	return c.JSON(fiber.Map{
		"success":  true,
		"requests": active,
		"count":    len(active),
	})
}

func (h *RequestsHandler) listHistory(c *fiber.Ctx) error {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}
	history := h.registry.History(limit)
	return c.JSON(fiber.Map{
		"success":  true,
		"requests": history,
		"count":    len(history),
	})
}

func (h *RequestsHandler) getRequest(c *fiber.Ctx) error {
	t, ok := h.registry.Get(c.Params("id"))
	if !ok {
		return requestNotFound(c)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"request": t,
	})
}

func (h *RequestsHandler) cancelRequest(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Cancel(id) {
		if t, ok := h.registry.Get(id); ok {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   "request already " + string(t.Status),
				"code":    "conflict",
			})
		}
		return requestNotFound(c)
	}

	metrics.Get().IncHTTPCanceled()
	h.logger.Info().Str("request_id", id).Str("remote_addr", c.IP()).Msg("Request canceled via API")
	return c.JSON(fiber.Map{
		"success": true,
		"message": "request canceled",
	})
}

func requestNotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"success": false,
		"error":   "request not found",
		"code":    "not_found",
	})
}
