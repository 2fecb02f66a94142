package models

import (
	"context"
	"errors"
	"fmt"
)

// Canonical error codes carried on the wire.
const (
	ErrCodeValidation     = "validation"
	ErrCodeConfiguration  = "configuration"
	ErrCodeNetwork        = "network"
	ErrCodeAuthentication = "authentication"
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeProvider       = "provider"
	ErrCodeCancelled      = "cancelled"
	ErrCodeContext        = "context"
	ErrCodeInternal       = "internal"
)

// ValidationError signals bad input. Not retryable.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConfigurationError signals an unknown provider or model. Not retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// NetworkError signals a transport failure or unavailable service. Retryable by
// caller policy.
type NetworkError struct {
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError signals rejected credentials. Not retryable.
type AuthenticationError struct {
	Provider string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// RateLimitError signals throttling. Retryable after RetryAfter seconds.
type RateLimitError struct {
	Provider   string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %ds", e.Provider, e.RetryAfter)
}

// ProviderError wraps a vendor-reported failure. Retryability is vendor dependent.
type ProviderError struct {
	Provider  string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CancellationError marks a cooperatively cancelled stream. Terminal, but not a
// failure for UX purposes.
type CancellationError struct{}

func (e *CancellationError) Error() string { return "stream cancelled" }

// ContextError signals a conversation-state precondition failure, e.g. regenerating
// with no prior user message.
type ContextError struct {
	Message string
}

func (e *ContextError) Error() string { return e.Message }

// ErrorCode maps an error to its canonical taxonomy code.
func ErrorCode(err error) string {
	var (
		validation *ValidationError
		config     *ConfigurationError
		network    *NetworkError
		auth       *AuthenticationError
		rateLimit  *RateLimitError
		provider   *ProviderError
		cancel     *CancellationError
		convCtx    *ContextError
	)
	switch {
	case errors.As(err, &validation):
		return ErrCodeValidation
	case errors.As(err, &config):
		return ErrCodeConfiguration
	case errors.As(err, &network):
		return ErrCodeNetwork
	case errors.As(err, &auth):
		return ErrCodeAuthentication
	case errors.As(err, &rateLimit):
		return ErrCodeRateLimit
	case errors.As(err, &provider):
		return ErrCodeProvider
	case errors.As(err, &cancel), errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.As(err, &convCtx):
		return ErrCodeContext
	default:
		return ErrCodeInternal
	}
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	var (
		network   *NetworkError
		rateLimit *RateLimitError
		provider  *ProviderError
	)
	switch {
	case errors.As(err, &network):
		return true
	case errors.As(err, &rateLimit):
		return true
	case errors.As(err, &provider):
		return provider.Retryable
	default:
		return false
	}
}

// ChunkErrorFrom converts an error into its wire form for a terminal chunk.
func ChunkErrorFrom(err error) *ChunkError {
	ce := &ChunkError{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Retryable: Retryable(err),
	}

	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		ce.Provider = rateLimit.Provider
		ce.RetryAfter = rateLimit.RetryAfter
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		ce.Provider = provider.Provider
	}
	var auth *AuthenticationError
	if errors.As(err, &auth) {
		ce.Provider = auth.Provider
	}

	return ce
}
