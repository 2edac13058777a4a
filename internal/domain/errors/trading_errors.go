package errors

import (
	"errors"
	"fmt"
)

// Auto-trading errors
var (
	// ErrInsufficientPosition is a validation failure: the sell exceeds holdings
	ErrInsufficientPosition = fmt.Errorf("insufficient quantity: %w", ErrInvalidInput)
	ErrUnknownStrategy      = fmt.Errorf("unknown strategy: %w", ErrInvalidInput)
	ErrPriceUnavailable     = errors.New("price data unavailable")
	ErrStrategyNotFound     = fmt.Errorf("no auto-trading strategy found: %w", ErrInvalidState)
)

// InsufficientPositionError creates an insufficient quantity error
func InsufficientPositionError(symbol string, available, required string) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientPosition,
		Code:    "INSUFFICIENT_QUANTITY",
		Message: "insufficient quantity",
		Details: map[string]interface{}{
			"symbol":    symbol,
			"available": available,
			"required":  required,
		},
	}
}

// UnknownStrategyError creates an error for an unrecognised strategy tag
func UnknownStrategyError(tag string) *DomainError {
	return &DomainError{
		Err:     ErrUnknownStrategy,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("unknown strategy %q", tag),
		Details: map[string]interface{}{
			"field": "strategy",
		},
	}
}

// StrategyNotFoundError is returned when a user has no non-closed auto investments
func StrategyNotFoundError(userID string) *DomainError {
	return &DomainError{
		Err:     ErrStrategyNotFound,
		Code:    "INVALID_STATE",
		Message: "no auto-trading strategy found",
		Details: map[string]interface{}{
			"user_id": userID,
		},
	}
}

// PriceUnavailableError creates a missing market price error
func PriceUnavailableError(symbol string, cause error) *DomainError {
	de := &DomainError{
		Err:       ErrPriceUnavailable,
		Code:      "PRICE_UNAVAILABLE",
		Message:   fmt.Sprintf("price for %s is unavailable", symbol),
		Retryable: true,
		Details: map[string]interface{}{
			"symbol": symbol,
		},
	}
	if cause != nil {
		de.Details["cause"] = cause.Error()
	}
	return de
}

// PartialSettlementError reports a sell that committed locally while its
// balance credit failed. The reconciliation gap id identifies the record an
// operator has to settle.
func PartialSettlementError(gapID string, cause error) *DomainError {
	de := &DomainError{
		Err:     ErrPartialSettlement,
		Code:    "PARTIAL_SETTLEMENT",
		Message: "sell committed but balance credit failed; flagged for reconciliation",
		Details: map[string]interface{}{
			"reconciliation_gap_id": gapID,
		},
	}
	if cause != nil {
		de.Details["cause"] = cause.Error()
	}
	return de
}

// IsInsufficientPosition checks if error is insufficient quantity
func IsInsufficientPosition(err error) bool {
	return errors.Is(err, ErrInsufficientPosition)
}

// IsPriceUnavailable checks if a market price could not be obtained
func IsPriceUnavailable(err error) bool {
	return errors.Is(err, ErrPriceUnavailable)
}
