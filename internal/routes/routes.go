package routes

import (
	"github.com/gofiber/fiber/v2"

	"insights-engine/internal/controller"
)

// Register attaches all HTTP routes to the Fiber app.
func Register(app *fiber.App, insightController controller.InsightController, metricsHandler fiber.Handler) {
	insights := app.Group("/insights")
	insights.Post("/query", insightController.Query)
	insights.Post("/events", insightController.Events)
	insights.Post("/retention", insightController.Retention)
	insights.Post("/compile", insightController.Compile)

	app.Post("/admin/registry/reload", insightController.ReloadRegistry)

	app.Get("/metrics", metricsHandler)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
