package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrHeldForOrders  = errors.New("insufficient qty available: held for orders")
	ErrPDTRejected    = errors.New("order rejected: pattern day trading protection")
	ErrMarketClosed   = errors.New("market is closed")
	ErrNoPosition     = errors.New("position not found")
	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidRequest = errors.New("invalid order request")
)

// Alpaca error code for day-trade protection rejections
const pdtRejectCode = 40310100

// APIError is a non-2xx broker response
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps well-known rejections onto sentinel errors so callers can use errors.Is
func (e *APIError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "held for orders"),
		strings.Contains(msg, "insufficient qty available"):
		return ErrHeldForOrders
	case e.Code == pdtRejectCode, strings.Contains(msg, "pattern day"):
		return ErrPDTRejected
	case strings.Contains(msg, "market is closed"):
		return ErrMarketClosed
	case e.Status == http.StatusNotFound:
		return ErrOrderNotFound
	}
	return nil
}

// IsHeldForOrders reports the "shares already reserved by a resting order" rejection
func IsHeldForOrders(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHeldForOrders) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "held for orders") || strings.Contains(msg, "insufficient qty available")
}

// IsPDTRejection reports a pattern-day-trading rejection
func IsPDTRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPDTRejected) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "pattern day")
}

// IsRetryable reports rate limits and server-side failures
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return false
}
