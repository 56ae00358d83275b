package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/linktrack/backend/internal/adnetwork"
	"github.com/linktrack/backend/internal/automation"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/db"
	"github.com/linktrack/backend/internal/events"
	apphttp "github.com/linktrack/backend/internal/http"
	"github.com/linktrack/backend/internal/http/handlers"
	"github.com/linktrack/backend/internal/lock"
	"github.com/linktrack/backend/internal/repositories"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "automation-worker", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	campaignRepo := repositories.NewCampaignRepo(pool)
	urlRepo := repositories.NewURLRepo(pool)
	childRepo := repositories.NewChildCampaignRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Automation
	network := adnetwork.NewClient(cfg.AdNetworkURL, cfg.AdNetworkAPIKey, cfg.AdNetworkCallTimeout, log)
	machine := automation.NewStateMachine(campaignRepo, urlRepo, childRepo, network, auditRepo, publisher, cfg, log)
	if cfg.DistributedLockEnable {
		machine.SetLocker(lock.NewRedisLocker(rdb, "automation:lock:", log))
	}
	engine := automation.NewEngine(machine, campaignRepo, auditRepo, publisher, cfg, log)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("automation engine stopped", zap.Error(err))
		}
	}()

	// Admin API
	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	wsHub.Start(ctx)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	apphttp.SetupRouter(app, cfg, log, rdb, handlers.NewAutomationHandler(engine, auditRepo, log), wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down worker")
		cancel()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := fmt.Sprintf(":%s", cfg.AdminAPIPort)
	log.Info("worker started", zap.String("admin_addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Error("admin server error", zap.Error(err))
		cancel()
	}

	<-engineDone
	log.Info("worker stopped")
}
