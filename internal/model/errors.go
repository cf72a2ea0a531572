package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for business-rule rejections. Callers wrap them with
// detail via fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrPriceLimitExceeded  = errors.New("price outside circuit-breaker band")
	ErrMarketClosed        = errors.New("market is closed")
	ErrAccountFrozen       = errors.New("account is frozen until debt is repaid")
	ErrConcurrencyConflict = errors.New("concurrent modification, retries exhausted")
)

// ValidationError represents a malformed request: bad side, type,
// quantity, or a missing limit price.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf is shorthand for a *ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Error codes carried in Result.Code.
const (
	CodeValidation         = "validation_error"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeInsufficientShares = "insufficient_shares"
	CodePriceLimit         = "price_limit_exceeded"
	CodeMarketClosed       = "market_closed"
	CodeAccountFrozen      = "account_frozen"
	CodeConflict           = "concurrency_conflict"
	CodeNotFound           = "not_found"
	CodeInvalidState       = "invalid_state"
	CodeInternal           = "internal_error"
)

// ErrorCode classifies err into one of the Code* constants.
func ErrorCode(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrInsufficientShares):
		return CodeInsufficientShares
	case errors.Is(err, ErrPriceLimitExceeded):
		return CodePriceLimit
	case errors.Is(err, ErrMarketClosed):
		return CodeMarketClosed
	case errors.Is(err, ErrAccountFrozen):
		return CodeAccountFrozen
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	}
	return CodeInternal
}

// Result is the structured accept/reject answer handed to the presentation
// layer. Business rejections never surface as raw faults.
type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	OrderID string `json:"order_id,omitempty"`
	Order   *Order `json:"order,omitempty"`
}

// ResultFromError converts err into a rejection. Internal errors get a
// generic message so storage details never reach end users.
func ResultFromError(err error) Result {
	if err == nil {
		return Result{Success: true, Message: "ok"}
	}
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error, please retry later"
	}
	return Result{Success: false, Code: code, Message: msg}
}
