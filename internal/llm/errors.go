// ABOUTME: Provider error types and retryable/fatal classification
// ABOUTME: The router uses IsRetryable to decide whether to fall back to the next service

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrUnsafeInput is returned when a service's safe-input check rejects the prompt.
var ErrUnsafeInput = errors.New("input rejected by safety check")

// ProviderError is a failure reported by an LLM provider.
type ProviderError struct {
	Service    string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Service, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

// NewProviderError builds a ProviderError and classifies it by HTTP status.
func NewProviderError(service string, status int, message string) *ProviderError {
	return &ProviderError{
		Service:    service,
		StatusCode: status,
		Message:    message,
		Retryable:  retryableStatus(status),
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	}
	return status >= 500
}

// IsRetryable reports whether err is transient, so the next service may be tried.
// Unknown errors are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsafeInput) || errors.Is(err, context.Canceled) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())

	// Transient / retryable errors
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	// Permanent / non-retryable errors
	if strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "authentication") {
		return false
	}

	return true
}
