package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/Hungruong/money-mate/internal/api/handlers"
	"github.com/Hungruong/money-mate/internal/api/middleware"
	"github.com/Hungruong/money-mate/internal/infrastructure/di"
)

const (
	serviceName    = "autotrading-service"
	serviceVersion = "1.0.0"

	// userMutationsPerMin caps state-changing calls per user on top of the
	// per-address limit
	userMutationsPerMin = 20
)

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()

	ipLimiter := middleware.NewRateLimiter(container.Config.Server.RateLimitPerMin, middleware.ByClientIP)
	userLimiter := middleware.NewRateLimiter(userMutationsPerMin, middleware.ByUserParam)

	// Global middleware - order matters
	router.Use(middleware.Tracing(serviceName)) // Tracing should be early in the chain
	router.Use(middleware.RequestID())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	router.Use(ipLimiter.Limit())
	router.Use(middleware.SecurityHeaders())

	coreHandlers := handlers.NewCoreHandlers(container.HealthChecks(), serviceVersion, container.Logger)
	autoTradingHandlers := handlers.NewAutoTradingHandlers(
		container.GetAutoTradingService(),
		container.GetScheduler(),
		container.Logger,
	)

	// Health checks
	router.GET("/health", coreHandlers.Health)
	router.GET("/live", coreHandlers.Live)
	router.GET("/metrics", coreHandlers.Metrics)

	v1 := router.Group("/api/v1")
	{
		autotrading := v1.Group("/autotrading")
		{
			// Read side
			autotrading.GET("/investments/:userId", autoTradingHandlers.GetInvestments)
			autotrading.GET("/investments/:userId/summary", autoTradingHandlers.GetSummary)
			autotrading.GET("/investments/:userId/transactions", autoTradingHandlers.GetTransactions)
			autotrading.GET("/trade-logs/:userId", autoTradingHandlers.GetTradeLogs)

			// Lifecycle
			mutations := autotrading.Group("", userLimiter.Limit())
			{
				mutations.POST("/start", autoTradingHandlers.StartStrategy)
				mutations.POST("/pause/:userId", autoTradingHandlers.PauseStrategy)
				mutations.POST("/resume/:userId", autoTradingHandlers.ResumeStrategy)
				mutations.POST("/stop/:userId", autoTradingHandlers.StopStrategy)
				mutations.POST("/close/:userId", autoTradingHandlers.CloseStrategy)
				mutations.POST("/sell/:userId/:symbol", autoTradingHandlers.SellInvestment)
			}

			// Operations
			autotrading.GET("/reconciliation-gaps", autoTradingHandlers.GetReconciliationGaps)
			autotrading.POST("/reconciliation-gaps/:id/resolve", autoTradingHandlers.ResolveReconciliationGap)
			autotrading.POST("/evaluate/:strategy", autoTradingHandlers.EvaluateTier)
		}
	}

	return router
}
