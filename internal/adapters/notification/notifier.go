// Package notification delivers strategy event messages to users.
package notification

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Hungruong/money-mate/pkg/metrics"
)

const sendTimeout = 15 * time.Second

// EmailLookup resolves the address a user is notified at
type EmailLookup interface {
	GetUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// MailSender is satisfied by *sendgrid.Client
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailConfig holds the sender identity
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Subject   string
}

// EmailNotifier sends notifications through SendGrid
type EmailNotifier struct {
	config         EmailConfig
	sender         MailSender
	users          EmailLookup
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewEmailNotifier creates a SendGrid-backed notifier
func NewEmailNotifier(config EmailConfig, users EmailLookup, logger *zap.Logger) (*EmailNotifier, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	return NewEmailNotifierWithSender(config, sendgrid.NewSendClient(config.APIKey), users, logger)
}

// NewEmailNotifierWithSender creates a notifier over an existing sender
func NewEmailNotifierWithSender(config EmailConfig, sender MailSender, users EmailLookup, logger *zap.Logger) (*EmailNotifier, error) {
	if strings.TrimSpace(config.FromEmail) == "" {
		return nil, fmt.Errorf("email from address is required")
	}
	if config.Subject == "" {
		config.Subject = "Your auto-trading strategy"
	}

	st := gobreaker.Settings{
		Name:        "SendGrid",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &EmailNotifier{
		config:         config,
		sender:         sender,
		users:          users,
		circuitBreaker: gobreaker.NewCircuitBreaker(st),
		logger:         logger,
	}, nil
}

// NotifyUser emails message to the user
func (n *EmailNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, message string) error {
	to, err := n.users.GetUserEmail(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve email for user %s: %w", userID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	from := mail.NewEmail(n.config.FromName, n.config.FromEmail)
	email := mail.NewSingleEmail(from, n.config.Subject, mail.NewEmail("", to), message,
		"<p>"+html.EscapeString(message)+"</p>")

	start := time.Now()
	_, err = n.circuitBreaker.Execute(func() (interface{}, error) {
		response, err := n.sender.SendWithContext(ctx, email)
		if err != nil {
			return nil, err
		}
		if response.StatusCode >= 400 {
			return nil, fmt.Errorf("email service error: status %d, body: %s", response.StatusCode, response.Body)
		}
		return response, nil
	})
	metrics.RecordExternalCall("sendgrid", "send", start, err)

	if err != nil {
		n.logger.Error("Failed to send notification email",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("Notification email sent", zap.String("user_id", userID.String()))
	return nil
}

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, message string) error {
	n.logger.Info("User notification",
		zap.String("user_id", userID.String()),
		zap.String("message", message))
	return nil
}
