package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is implemented by every failure the completion client reports.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "llm configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type apiError struct {
	provider   string
	statusCode int
	code       string
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.code != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.provider, e.statusCode, e.code, msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.provider, e.statusCode, msg)
}
func (e *apiError) Provider() string           { return e.provider }
func (e *apiError) StatusCode() int            { return e.statusCode }
func (e *apiError) Retryable() bool            { return e.retryable }
func (e *apiError) RetryAfter() *time.Duration { return e.retryAfter }

// Code is the provider's machine-readable error code, if any.
func (e *apiError) Code() string { return e.code }

type InvalidRequestError struct{ apiError }
type AuthenticationError struct{ apiError }
type AccessDeniedError struct{ apiError }
type NotFoundError struct{ apiError }
type RequestTimeoutError struct{ apiError }
type ContextLengthError struct{ apiError }

// QuotaExceededError means the account is out of credit. Retrying cannot
// help, unlike RateLimitError.
type QuotaExceededError struct{ apiError }
type RateLimitError struct{ apiError }
type ServerError struct{ apiError }
type NetworkError struct{ apiError }
type UnknownError struct{ apiError }

// ErrorFromHTTPStatus classifies a failed API response. code is the
// provider error code from the response body and may be empty.
func ErrorFromHTTPStatus(provider string, statusCode int, code, message string, retryAfter *time.Duration) error {
	base := apiError{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		code:       strings.TrimSpace(code),
		message:    message,
		retryAfter: retryAfter,
	}
	if isQuotaSignal(base.code, message) {
		return &QuotaExceededError{base}
	}
	switch statusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if strings.Contains(strings.ToLower(message), "context length") || base.code == "context_length_exceeded" {
			return &ContextLengthError{base}
		}
		return &InvalidRequestError{base}
	case http.StatusUnauthorized:
		return &AuthenticationError{base}
	case http.StatusForbidden:
		return &AccessDeniedError{base}
	case http.StatusNotFound:
		return &NotFoundError{base}
	case http.StatusRequestTimeout:
		base.retryable = true
		return &RequestTimeoutError{base}
	case http.StatusRequestEntityTooLarge:
		return &ContextLengthError{base}
	case http.StatusTooManyRequests:
		base.retryable = true
		return &RateLimitError{base}
	}
	if statusCode >= 500 && statusCode <= 599 {
		base.retryable = true
		return &ServerError{base}
	}
	base.retryable = true
	return &UnknownError{base}
}

func isQuotaSignal(code, message string) bool {
	if code == "insufficient_quota" || code == "billing_hard_limit_reached" {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "exceeded your current quota") || strings.Contains(lower, "billing")
}

// ErrorFromTransport classifies a failure that happened before a response
// arrived. Context cancellation passes through unchanged.
func ErrorFromTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	base := apiError{provider: provider, message: err.Error()}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{base}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		base.retryable = true
		return &NetworkError{base}
	}
	return &UnknownError{base}
}

// ParseRetryAfter accepts integer seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsRetryable reports whether err is a classified, retryable failure.
func IsRetryable(err error) bool {
	var e Error
	return errors.As(err, &e) && e.Retryable()
}

// RetryDelay returns the server-requested wait carried by err, or zero.
func RetryDelay(err error) time.Duration {
	var e Error
	if errors.As(err, &e) {
		if d := e.RetryAfter(); d != nil {
			return *d
		}
	}
	return 0
}

func IsQuotaError(err error) bool {
	var e *QuotaExceededError
	return errors.As(err, &e)
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}
