package engerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error by how the engine must react to it.
type Category string

const (
	// CategoryValidation marks construction-time configuration problems.
	// An instance with a validation error never starts.
	CategoryValidation Category = "VALIDATION"

	// CategoryRiskRejected marks an order turned down by the risk gate.
	// The current tick is skipped; the instance keeps running.
	CategoryRiskRejected Category = "RISK_REJECTED"

	// CategoryTransient marks collaborator hiccups (network, timeout,
	// rate limit). The tick is abandoned and retried after backoff.
	CategoryTransient Category = "TRANSIENT"

	// CategoryFatal marks unrecoverable conditions. The instance
	// transitions to its error state and its goroutine exits.
	CategoryFatal Category = "FATAL"
)

// EngineError is a categorized error carrying the component and operation
// where it originated.
type EngineError struct {
	Category   Category
	Component  string
	Op         string
	Message    string
	Underlying error
}

func (e *EngineError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Op, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Op, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Underlying
}

// Retryable reports whether the engine may try the failed operation again
// on a later tick.
func (e *EngineError) Retryable() bool {
	return e.Category == CategoryTransient
}

func newError(cat Category, component, op, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Category:  cat,
		Component: component,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
	}
}

// NewValidation builds a construction-time validation error.
func NewValidation(component, format string, args ...interface{}) *EngineError {
	return newError(CategoryValidation, component, "validate", format, args...)
}

// NewRiskRejected builds a risk-gate rejection. reason comes from the gate.
func NewRiskRejected(component, reason string) *EngineError {
	return newError(CategoryRiskRejected, component, "risk_check", "%s", reason)
}

// NewTransient builds a retryable collaborator error.
func NewTransient(component, op, format string, args ...interface{}) *EngineError {
	return newError(CategoryTransient, component, op, format, args...)
}

// NewFatal builds an unrecoverable error.
func NewFatal(component, op, format string, args ...interface{}) *EngineError {
	return newError(CategoryFatal, component, op, format, args...)
}

// Wrap attaches a category and origin to an existing error. A nil err
// yields nil.
func Wrap(err error, cat Category, component, op string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Category:   cat,
		Component:  component,
		Op:         op,
		Message:    "operation failed",
		Underlying: err,
	}
}

// CategoryOf extracts the category of err, classifying uncategorized errors
// by message heuristics the way exchange SDKs surface them.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "invalid", "must be", "required", "unknown indicator", "unknown operator"):
		return CategoryValidation
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return CategoryTransient
	case containsAny(msg, "timeout", "timed out", "connection", "network", "unavailable", "temporarily", "eof"):
		return CategoryTransient
	case containsAny(msg, "credentials", "api key", "unauthorized", "forbidden", "signature"):
		return CategoryFatal
	default:
		return CategoryTransient
	}
}

// IsTransient reports whether the engine should back off and retry.
func IsTransient(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// IsFatal reports whether the instance must stop with an error status.
func IsFatal(err error) bool {
	return CategoryOf(err) == CategoryFatal
}

// IsValidation reports whether err is a construction-time validation error.
func IsValidation(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category == CategoryValidation
	}
	return false
}

// IsRiskRejected reports whether err is a risk-gate rejection.
func IsRiskRejected(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category == CategoryRiskRejected
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
