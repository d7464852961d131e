package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"insights-engine/internal/cache"
	"insights-engine/internal/model"
	"insights-engine/internal/service"
)

// TimezoneHeader carries the caller timezone when the body has none.
const TimezoneHeader = "X-Timezone"

type InsightController interface {
	Query(c *fiber.Ctx) error
	Events(c *fiber.Ctx) error
	Retention(c *fiber.Ctx) error
	Compile(c *fiber.Ctx) error
	ReloadRegistry(c *fiber.Ctx) error
}

// Reloader re-reads the warehouse registry.
type Reloader interface {
	Reload() ([]string, error)
}

// insightController exposes HTTP handlers for the insight endpoints.
type insightController struct {
	insightService service.InsightService
	registry       Reloader
	cache          cache.Invalidator
}

// NewInsightController builds an InsightController. inv may be nil when caching is off.
func NewInsightController(svc service.InsightService, reg Reloader, inv cache.Invalidator) InsightController {
	return &insightController{insightService: svc, registry: reg, cache: inv}
}

// Query returns the grouped series of an aggregate insight query.
func (h *insightController) Query(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	resp, err := h.insightService.Query(c.UserContext(), q)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(resp)
}

// Events returns one page of raw events.
func (h *insightController) Events(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	page, err := h.insightService.QueryEvents(c.UserContext(), q)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(page)
}

// Retention returns a cohort retention matrix.
func (h *insightController) Retention(c *fiber.Ctx) error {
	var q model.RetentionQuery
	if err := c.BodyParser(&q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json payload")
	}
	if q.Timezone == "" {
		q.Timezone = timezoneHeader(c)
	}
	matrix, err := h.insightService.Retention(c.UserContext(), q)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(matrix)
}

// Compile renders the statements of a query without running them.
func (h *insightController) Compile(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	compiled, err := h.insightService.Compile(q)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(fiber.Map{"statements": compiled})
}

// ReloadRegistry re-reads the warehouse registry and drops cached results.
func (h *insightController) ReloadRegistry(c *fiber.Ctx) error {
	changed, err := h.registry.Reload()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "registry reload failed: "+err.Error())
	}
	if h.cache != nil {
		h.cache.InvalidateAll()
	}
	if changed == nil {
		changed = []string{}
	}
	return c.JSON(fiber.Map{"status": "reloaded", "changedWorkspaces": changed})
}

func parseQuery(c *fiber.Ctx) (model.InsightQuery, error) {
	var q model.InsightQuery
	if err := c.BodyParser(&q); err != nil {
		return model.InsightQuery{}, fiber.NewError(fiber.StatusBadRequest, "invalid json payload")
	}
	if q.Time.Timezone == "" {
		q.Time.Timezone = timezoneHeader(c)
	}
	return q, nil
}

func timezoneHeader(c *fiber.Ctx) string {
	return utils.Trim(c.Get(TimezoneHeader), ' ')
}

// errorResponse maps service errors onto HTTP statuses.
func errorResponse(err error) error {
	var (
		timeoutErr *model.StoreTimeoutError
		execErr    *model.StoreExecutionError
	)
	switch {
	case model.IsClientError(err):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.As(err, &timeoutErr):
		return fiber.NewError(fiber.StatusGatewayTimeout, "store timed out")
	case errors.As(err, &execErr):
		return fiber.NewError(fiber.StatusBadGateway, "store query failed")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to compute insight")
	}
}
