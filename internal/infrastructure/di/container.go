package di

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Hungruong/money-mate/internal/adapters/userservice"
	"github.com/Hungruong/money-mate/internal/api/handlers"
	"github.com/Hungruong/money-mate/internal/domain/entities"
	"github.com/Hungruong/money-mate/internal/domain/repositories"
	"github.com/Hungruong/money-mate/internal/domain/services/autotrading"
	"github.com/Hungruong/money-mate/internal/domain/services/strategy"
	"github.com/Hungruong/money-mate/internal/infrastructure/cache"
	"github.com/Hungruong/money-mate/internal/infrastructure/config"
	"github.com/Hungruong/money-mate/internal/infrastructure/database"
	infrarepos "github.com/Hungruong/money-mate/internal/infrastructure/repositories"
	"github.com/Hungruong/money-mate/internal/workers/autotrading_worker"
	"github.com/Hungruong/money-mate/pkg/logger"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  cache.RedisClient
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Repositories
	InvestmentRepo repositories.InvestmentRepository
	TradeLogRepo   repositories.TradeLogRepository
	GapRepo        repositories.ReconciliationGapRepository

	// External services
	Prices     autotrading.PriceProvider
	UserClient *userservice.Client
	Notifier   autotrading.Notifier

	// Domain services
	Catalog            *strategy.Catalog
	Allocator          *autotrading.Allocator
	Executor           *autotrading.Executor
	Evaluator          *autotrading.Evaluator
	TerminationMonitor *autotrading.TerminationMonitor
	AutoTradingService *autotrading.Service

	// Workers
	Scheduler *autotrading_worker.Scheduler
}

// NewContainer wires the trading engine. db may be nil when the memory
// driver is configured and redis is nil when Redis is disabled.
func NewContainer(cfg *config.Config, db *sqlx.DB, redis cache.RedisClient, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()
	c := &Container{
		Config: cfg,
		DB:     db,
		Redis:  redis,
		Logger: log,
		ZapLog: zapLog,
	}

	if err := c.initializeRepositories(); err != nil {
		return nil, err
	}

	catalog, err := buildCatalog(cfg.AutoTrading.Universes)
	if err != nil {
		return nil, err
	}
	c.Catalog = catalog

	adapters := newAdapterBuilder(cfg, redis, zapLog)
	c.UserClient = adapters.userClient()
	if c.Prices, err = adapters.priceProvider(); err != nil {
		return nil, fmt.Errorf("failed to initialize market data provider: %w", err)
	}
	if c.Notifier, err = adapters.notifier(c.UserClient); err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	c.initializeDomainServices()

	if err := c.initializeScheduler(); err != nil {
		return nil, err
	}

	log.Info("Container initialized",
		"database_driver", cfg.Database.Driver,
		"market_data_provider", cfg.MarketData.Provider,
		"notification_provider", cfg.Notification.Provider,
		"redis_enabled", redis != nil)

	return c, nil
}

func (c *Container) initializeRepositories() error {
	switch c.Config.Database.Driver {
	case "memory":
		store := infrarepos.NewMemoryStore()
		c.InvestmentRepo = infrarepos.NewMemoryInvestmentRepository(store)
		c.TradeLogRepo = infrarepos.NewMemoryTradeLogRepository(store)
		c.GapRepo = infrarepos.NewMemoryReconciliationGapRepository(store)
		c.Logger.Warn("Using in-memory storage; data is lost on restart")
	case "postgres":
		if c.DB == nil {
			return fmt.Errorf("postgres driver configured without a database connection")
		}
		c.InvestmentRepo = infrarepos.NewInvestmentRepository(c.DB, c.ZapLog)
		c.TradeLogRepo = infrarepos.NewTradeLogRepository(c.DB)
		c.GapRepo = infrarepos.NewReconciliationGapRepository(c.DB)
	default:
		return fmt.Errorf("unsupported database driver %q", c.Config.Database.Driver)
	}
	return nil
}

func (c *Container) initializeDomainServices() {
	cfg := c.Config.AutoTrading
	clock := autotrading.SystemClock{}

	var locker autotrading.UserLocker = autotrading.NewLocalUserLocker()
	var gate autotrading.NotificationGate = autotrading.NewLocalNotificationGate(clock)
	if c.Redis != nil {
		locker = cache.NewUserLocker(c.Redis, config.Seconds(cfg.StartLockTTL), c.ZapLog)
		gate = cache.NewNotificationGate(c.Redis, c.ZapLog)
	}

	c.Allocator = autotrading.NewAllocator(c.Catalog, c.InvestmentRepo,
		autotrading.NewRandomSource(time.Now().UnixNano()), clock)
	c.Executor = autotrading.NewExecutor(c.InvestmentRepo, c.GapRepo, c.UserClient, clock, c.Logger)
	c.Evaluator = autotrading.NewEvaluator(
		c.Catalog,
		c.InvestmentRepo,
		c.TradeLogRepo,
		c.Prices,
		c.Allocator,
		c.Executor,
		clock,
		c.Logger,
		autotrading.WithPausedMonitoring(cfg.MonitorPaused),
	)
	c.AutoTradingService = autotrading.NewService(
		c.Allocator,
		c.Executor,
		c.InvestmentRepo,
		c.TradeLogRepo,
		c.GapRepo,
		c.Prices,
		c.Notifier,
		locker,
		clock,
		autotrading.Config{
			StartMode:       cfg.StartMode,
			ConflictRetries: cfg.ConflictRetries,
		},
		c.Logger,
	)
	c.TerminationMonitor = autotrading.NewTerminationMonitor(
		c.Catalog,
		c.InvestmentRepo,
		c.AutoTradingService,
		c.Notifier,
		gate,
		clock,
		c.Logger,
		cfg.DurationDays,
		config.Seconds(c.Config.Notification.DedupTTL),
	)
}

func (c *Container) initializeScheduler() error {
	schedulerConfig := autotrading_worker.DefaultConfig()
	if c.Config.Workers.TickTimeout > 0 {
		schedulerConfig.TickTimeout = config.Seconds(c.Config.Workers.TickTimeout)
	}
	schedulerConfig.TerminationEnabled = c.Config.Workers.TerminationEnabled

	scheduler, err := autotrading_worker.NewScheduler(
		c.Catalog.Profiles(),
		c.Evaluator,
		c.TerminationMonitor,
		schedulerConfig,
		c.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create autotrading scheduler: %w", err)
	}
	c.Scheduler = scheduler
	return nil
}

// HealthChecks returns the dependencies probed by the readiness endpoint
func (c *Container) HealthChecks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if c.DB != nil {
		checks["database"] = handlers.PingFunc(func(ctx context.Context) error {
			return database.HealthCheck(ctx, c.DB)
		})
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis
	}
	return checks
}

// GetAutoTradingService returns the lifecycle manager
func (c *Container) GetAutoTradingService() *autotrading.Service {
	return c.AutoTradingService
}

// GetScheduler returns the tier scheduler
func (c *Container) GetScheduler() *autotrading_worker.Scheduler {
	return c.Scheduler
}

// buildCatalog applies configured symbol universes over the built-in tiers
func buildCatalog(universes map[string]map[string][]string) (*strategy.Catalog, error) {
	var opts []strategy.Option
	for tag, sleeves := range universes {
		s, ok := entities.ParseStrategy(tag)
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q in autotrading universes", tag)
		}
		for sleeve, symbols := range sleeves {
			opts = append(opts, strategy.WithSleeveSymbols(s, sleeve, symbols))
		}
	}
	return strategy.NewCatalog(opts...), nil
}
