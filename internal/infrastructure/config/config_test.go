package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database:     DatabaseConfig{Driver: "memory"},
		MarketData:   MarketDataConfig{Provider: "simulated"},
		UserService:  UserServiceConfig{BaseURL: "http://localhost:8082/api/users"},
		Notification: NotificationConfig{Provider: "log"},
		AutoTrading:  AutoTradingConfig{StartMode: "portfolio", ConflictRetries: 3},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validate(validConfig()))

	cases := map[string]func(*Config){
		"unknown driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"missing alpha key":      func(c *Config) { c.MarketData.Provider = "alphavantage" },
		"missing alpaca secret":  func(c *Config) { c.MarketData.Provider = "alpaca"; c.MarketData.AlpacaKey = "k" },
		"missing sendgrid key":   func(c *Config) { c.Notification.Provider = "sendgrid" },
		"bad start mode":         func(c *Config) { c.AutoTrading.StartMode = "all-in" },
		"zero conflict retries":  func(c *Config) { c.AutoTrading.ConflictRetries = 0 },
		"no user service target": func(c *Config) { c.UserService.BaseURL = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("MARKET_DATA_PROVIDER", "simulated")
	t.Setenv("USER_SERVICE_URL", "http://users.internal/api/users/")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "http://users.internal/api/users", cfg.UserService.BaseURL)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "portfolio", cfg.AutoTrading.StartMode)
	assert.Equal(t, 3, cfg.AutoTrading.ConflictRetries)
}
