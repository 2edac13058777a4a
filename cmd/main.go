package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/Hungruong/money-mate/internal/api/routes"
	"github.com/Hungruong/money-mate/internal/infrastructure/cache"
	"github.com/Hungruong/money-mate/internal/infrastructure/config"
	"github.com/Hungruong/money-mate/internal/infrastructure/database"
	"github.com/Hungruong/money-mate/internal/infrastructure/di"
	"github.com/Hungruong/money-mate/pkg/graceful"
	"github.com/Hungruong/money-mate/pkg/logger"
	"github.com/Hungruong/money-mate/pkg/metrics"
	"github.com/Hungruong/money-mate/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	// Initialize OpenTelemetry tracing
	tracingConfig := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}
	tracingShutdown, err := tracing.InitTracer(context.Background(), tracingConfig, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}
	defer tracingShutdown(context.Background())

	// Initialize database
	var db *sqlx.DB
	if cfg.Database.Driver == "postgres" {
		db, err = database.NewConnection(cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
			log.Fatal("Failed to run migrations", "error", err)
		}
		go reportPoolStats(db)
	}

	// Initialize Redis
	var redisClient cache.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(&cfg.Redis, log.Zap())
		if err != nil {
			log.Fatal("Failed to connect to Redis", "error", err)
		}
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Build dependency injection container
	container, err := di.NewContainer(cfg, db, redisClient, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	router := routes.SetupRoutes(container)

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    config.Seconds(cfg.Server.ReadTimeout),
		WriteTimeout:   config.Seconds(cfg.Server.WriteTimeout),
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	shutdown := graceful.NewShutdownManager(server, log)

	// Start the tier scheduler
	if cfg.Workers.Enabled {
		if err := container.Scheduler.Start(); err != nil {
			log.Fatal("Failed to start autotrading scheduler", "error", err)
		}
		shutdown.Register(graceful.ShutdownFunc(container.Scheduler.Shutdown))
		log.Info("Autotrading scheduler started")
	} else {
		log.Info("Autotrading scheduler disabled in configuration")
	}
	if redisClient != nil {
		shutdown.RegisterCloser(redisClient)
	}
	if db != nil {
		shutdown.RegisterCloser(db)
	}

	// Start server in goroutine
	go func() {
		log.Info("Starting server",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"database_driver", cfg.Database.Driver,
		)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	shutdown.WaitForShutdown()
}

// reportPoolStats publishes connection pool gauges until the process exits
func reportPoolStats(db *sqlx.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		stats := db.Stats()
		metrics.DatabaseConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
		metrics.DatabaseConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
		metrics.DatabaseConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
	}
}
