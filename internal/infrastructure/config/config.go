package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MarketData   MarketDataConfig   `mapstructure:"market_data"`
	UserService  UserServiceConfig  `mapstructure:"user_service"`
	Notification NotificationConfig `mapstructure:"notification"`
	AutoTrading  AutoTradingConfig  `mapstructure:"autotrading"`
	Workers      WorkerConfig       `mapstructure:"workers"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // "postgres" or "memory"
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// MarketDataConfig selects and configures the price source
type MarketDataConfig struct {
	Provider        string `mapstructure:"provider"` // "alphavantage", "alpaca" or "simulated"
	AlphaVantageKey string `mapstructure:"alphavantage_api_key"`
	AlphaVantageURL string `mapstructure:"alphavantage_base_url"`
	AlpacaKey       string `mapstructure:"alpaca_api_key"`
	AlpacaSecret    string `mapstructure:"alpaca_api_secret"`
	AlpacaDataURL   string `mapstructure:"alpaca_data_url"`
	Timeout         int    `mapstructure:"timeout"`   // seconds
	CacheTTL        int    `mapstructure:"cache_ttl"` // seconds, 0 disables the cache
}

// UserServiceConfig points at the external user-account service
type UserServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// NotificationConfig selects how users are told about strategy events
type NotificationConfig struct {
	Provider  string `mapstructure:"provider"` // "sendgrid" or "log"
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
	DedupTTL  int    `mapstructure:"dedup_ttl"` // seconds
}

// AutoTradingConfig tunes the trading engine
type AutoTradingConfig struct {
	StartMode       string                         `mapstructure:"start_mode"` // "portfolio" or "single"
	ConflictRetries int                            `mapstructure:"conflict_retries"`
	DurationDays    int                            `mapstructure:"duration_days"`
	StartLockTTL    int                            `mapstructure:"start_lock_ttl"` // seconds
	MonitorPaused   bool                           `mapstructure:"monitor_paused"`
	Universes       map[string]map[string][]string `mapstructure:"universes"` // tier -> sleeve -> symbols
}

// WorkerConfig contains background scheduler configuration
type WorkerConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	TickTimeout        int  `mapstructure:"tick_timeout"` // seconds
	TerminationEnabled bool `mapstructure:"termination_enabled"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Seconds converts an integer seconds setting into a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.Driver == "postgres" && config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", 8083)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.rate_limit_per_min", 100)

	// Database defaults
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "investment_service")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)
	viper.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)

	// Market data defaults
	viper.SetDefault("market_data.provider", "alphavantage")
	viper.SetDefault("market_data.alphavantage_base_url", "https://www.alphavantage.co/query")
	viper.SetDefault("market_data.alpaca_data_url", "https://data.alpaca.markets")
	viper.SetDefault("market_data.timeout", 10)
	viper.SetDefault("market_data.cache_ttl", 30)

	// User service defaults
	viper.SetDefault("user_service.base_url", "http://localhost:8082/api/users")
	viper.SetDefault("user_service.timeout", 10)

	// Notification defaults
	viper.SetDefault("notification.provider", "log")
	viper.SetDefault("notification.from_email", "no-reply@moneymate.app")
	viper.SetDefault("notification.from_name", "Money Mate")
	viper.SetDefault("notification.dedup_ttl", 86400)

	// Auto-trading defaults
	viper.SetDefault("autotrading.start_mode", "portfolio")
	viper.SetDefault("autotrading.conflict_retries", 3)
	viper.SetDefault("autotrading.duration_days", 30)
	viper.SetDefault("autotrading.start_lock_ttl", 30)
	viper.SetDefault("autotrading.monitor_paused", true)

	// Worker defaults
	viper.SetDefault("workers.enabled", true)
	viper.SetDefault("workers.tick_timeout", 120)
	viper.SetDefault("workers.termination_enabled", true)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.collector_url", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)
}

func overrideFromEnv() {
	// Server
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	// Database
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	// Redis
	if redisURL := os.Getenv("REDIS_HOST"); redisURL != "" {
		viper.Set("redis.host", redisURL)
		viper.Set("redis.enabled", true)
	}

	// Market data
	if key := os.Getenv("ALPHA_VANTAGE_API_KEY"); key != "" {
		viper.Set("market_data.alphavantage_api_key", key)
	}
	if key := os.Getenv("ALPACA_API_KEY"); key != "" {
		viper.Set("market_data.alpaca_api_key", key)
	}
	if secret := os.Getenv("ALPACA_API_SECRET"); secret != "" {
		viper.Set("market_data.alpaca_api_secret", secret)
	}

	// User service
	if url := os.Getenv("USER_SERVICE_URL"); url != "" {
		viper.Set("user_service.base_url", strings.TrimRight(url, "/"))
	}

	// Notifications
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		viper.Set("notification.api_key", key)
	}
}

func validate(config *Config) error {
	switch config.Database.Driver {
	case "postgres":
		if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
			return fmt.Errorf("database configuration is incomplete")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", config.Database.Driver)
	}

	switch config.MarketData.Provider {
	case "alphavantage":
		if config.MarketData.AlphaVantageKey == "" {
			return fmt.Errorf("alpha vantage api key is required")
		}
	case "alpaca":
		if config.MarketData.AlpacaKey == "" || config.MarketData.AlpacaSecret == "" {
			return fmt.Errorf("alpaca api key and secret are required")
		}
	case "simulated":
	default:
		return fmt.Errorf("unsupported market data provider %q", config.MarketData.Provider)
	}

	if config.UserService.BaseURL == "" {
		return fmt.Errorf("user service base url is required")
	}

	if config.Notification.Provider == "sendgrid" && config.Notification.APIKey == "" {
		return fmt.Errorf("sendgrid api key is required")
	}

	switch config.AutoTrading.StartMode {
	case "portfolio", "single":
	default:
		return fmt.Errorf("unsupported start mode %q", config.AutoTrading.StartMode)
	}

	if config.AutoTrading.ConflictRetries < 1 {
		return fmt.Errorf("autotrading conflict retries must be at least 1")
	}

	return nil
}
