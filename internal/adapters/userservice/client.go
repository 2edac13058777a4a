// Package userservice talks to the user-account service that owns the
// users' auto-trading balances.
package userservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	domainerrors "github.com/Hungruong/money-mate/internal/domain/errors"
	"github.com/Hungruong/money-mate/pkg/metrics"
)

const defaultTimeout = 10 * time.Second

// Config configures the user service client
type Config struct {
	BaseURL string // e.g. http://localhost:8082/api/users
	Timeout time.Duration
}

// User is the subset of the user record the engine reads
type User struct {
	UserID             uuid.UUID `json:"userId"`
	Email              string    `json:"email"`
	FirstName          string    `json:"firstName"`
	LastName           string    `json:"lastName"`
	AutoTradingBalance float64   `json:"autoTradingBalance"`
}

type balanceRequest struct {
	UserID uuid.UUID `json:"userId"`
	Amount float64   `json:"amount"`
}

// Client is an HTTP client for the user service. Balance adjustments are
// never retried: a timed-out request may already have been applied.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewClient creates a new user service client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	st := gobreaker.Settings{
		Name:        "UserService",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(st),
		logger:         logger,
	}
}

// AdjustAutoTradingBalance adds delta to the user's auto-trading balance.
// Negative deltas debit.
func (c *Client) AdjustAutoTradingBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	amount, _ := delta.Float64()
	endpoint := fmt.Sprintf("%s/%s/auto-trading-balance", c.config.BaseURL, userID)

	start := time.Now()
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, c.doRequest(ctx, http.MethodPut, endpoint, balanceRequest{UserID: userID, Amount: amount}, nil)
	})
	metrics.RecordExternalCall("user-service", "adjust_balance", start, err)

	if err != nil {
		c.logger.Error("Failed to update auto-trading balance",
			zap.String("user_id", userID.String()),
			zap.String("amount", delta.String()),
			zap.Error(err))
		return domainerrors.ServiceUnavailableError("user", err)
	}

	c.logger.Info("Updated auto-trading balance",
		zap.String("user_id", userID.String()),
		zap.String("amount", delta.String()))
	return nil
}

// GetUser fetches the user record
func (c *Client) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	endpoint := fmt.Sprintf("%s/%s", c.config.BaseURL, userID)

	var user User
	start := time.Now()
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return &user, c.doRequest(ctx, http.MethodGet, endpoint, nil, &user)
	})
	metrics.RecordExternalCall("user-service", "get_user", start, err)

	if err != nil {
		return nil, domainerrors.ServiceUnavailableError("user", err)
	}
	return &user, nil
}

// GetUserEmail returns the user's email address
func (c *Client) GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.Email == "" {
		return "", domainerrors.ValidationError("email", "user has no email address")
	}
	return user.Email, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, response interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("user service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
