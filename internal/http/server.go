package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"insights-engine/internal/config"
	"insights-engine/internal/controller"
	"insights-engine/internal/routes"
)

// Server wraps the Fiber application setup.
type Server struct {
	app *fiber.App
}

// NewServer configures routes and middleware.
func NewServer(appCfg *config.Config, insightController controller.InsightController, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	fiberCfg := fiber.Config{
		DisableStartupMessage: true,
		Prefork:               appCfg.FiberPrefork,
		ErrorHandler:          errorHandler(logger),
	}
	app := fiber.New(fiberCfg)
	app.Use(requestid.New())
	app.Use(recover.New())

	metricsHandler := adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	routes.Register(app, insightController, metricsHandler)

	return &Server{app: app}
}

// errorHandler renders every error as {"error": message}.
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			logger.Warn("request failed",
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Any("request_id", c.Locals(requestid.ConfigDefault.ContextKey)),
				zap.Error(err),
			)
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// App exposes the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen runs the server on provided addr.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
