package exchange

import (
	"errors"
	"fmt"
)

// Common exchange failures. Wrapped by adapters so callers can match with
// errors.Is regardless of venue.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrSymbolNotFound      = errors.New("symbol not found")
)

// Error carries the venue error code alongside the message.
type Error struct {
	Code      int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// NewError builds a venue error. Rate-limit and server-side codes are
// marked retryable.
func NewError(code int, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == 10006 || code >= 10016, // Bybit rate limit / internal
	}
}

// IsRetryable reports whether err is worth retrying on a later tick.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}
