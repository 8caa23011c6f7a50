package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadnexy/config"
	"leadnexy/engine"
	"leadnexy/middleware"
	"leadnexy/routes"
	"leadnexy/utils"
	"leadnexy/worker"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Initialize Sentry if configured
	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Template catalog
	registry, err := engine.NewRegistry(engine.BuiltinTemplates())
	if err != nil {
		logger.Fatalf("Failed to load template catalog: %v", err)
	}

	// Delivery channels
	senders := map[engine.Channel]engine.Sender{
		engine.ChannelEmail: utils.NewEmailSender(config.AppConfig.SMTP),
		engine.ChannelSMS:   utils.NewSMSSender(config.AppConfig.SMS),
	}

	// Event dedup over Redis when available, otherwise the database
	var dedup engine.Deduper
	if config.AppConfig.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
		dedup = engine.NewRedisDeduper(rdb, 0)
	}

	// Build the sequence engine
	engCfg := config.AppConfig.Engine
	loc, err := time.LoadLocation(engCfg.Timezone)
	if err != nil {
		logger.Warnf("Unknown timezone %q, using UTC", engCfg.Timezone)
		loc = time.UTC
	}
	eng := engine.New(
		engine.NewGormStore(config.DB),
		registry,
		senders,
		nil,
		dedup,
		logger,
		engine.Config{
			DispatchConcurrency: engCfg.DispatchConcurrency,
			Dispatch: engine.DispatchConfig{
				DefaultToken: engCfg.DefaultToken,
				MaxAttempts:  engCfg.MaxSendAttempts,
				BaseBackoff:  engCfg.BaseBackoff,
				MaxBackoff:   engCfg.MaxBackoff,
				SendTimeout:  engCfg.SendTimeout,
				QuietHours: engine.QuietWindow{
					Start:    engCfg.QuietHoursStart,
					End:      engCfg.QuietHoursEnd,
					Location: loc,
				},
				GateTriggeredSends: engCfg.GateTriggeredSends,
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover timeline entries persisted before the last shutdown
	if n, err := eng.Resync(ctx); err != nil {
		logger.Fatalf("Failed to resync timeline: %v", err)
	} else {
		logger.Infof("Timeline restored with %d pending entries", n)
	}
	go eng.Run(ctx)

	// Initialize and start background workers
	recoveryWorker := worker.NewRecoveryWorker(eng, logger)
	go recoveryWorker.Start(ctx)

	if config.AppConfig.IMAP.Host != "" {
		replyWorker := worker.NewReplyWorker(config.DB, eng.Ingestor(), config.AppConfig.IMAP, logger)
		go replyWorker.Start(ctx)
	}

	// Setup routes
	routes.SetupRoutes(app, config.DB, eng, logger)

	// Start server
	logger.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
