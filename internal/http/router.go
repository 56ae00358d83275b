package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/http/handlers"
	"github.com/linktrack/backend/internal/middleware"
	"github.com/linktrack/backend/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	automationHandler *handlers.AutomationHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg, log))
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, 120, time.Minute, log))
	}

	perm := func(p string) fiber.Handler { return middleware.RequirePermission(p, log) }

	// Automation
	automation := api.Group("/automation")
	automation.Get("/tasks", perm(rbac.PermViewTasks), automationHandler.Tasks)
	automation.Post("/campaigns/:id/enable", perm(rbac.PermEnableAutomation), automationHandler.Enable)
	automation.Post("/campaigns/:id/disable", perm(rbac.PermDisableAutomation), automationHandler.Disable)
	automation.Post("/campaigns/:id/force", perm(rbac.PermForceAction), automationHandler.Force)
	automation.Get("/campaigns/:id/debug", perm(rbac.PermViewDebug), automationHandler.Debug)
	automation.Get("/campaigns/:id/history", perm(rbac.PermViewDebug), automationHandler.History)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
