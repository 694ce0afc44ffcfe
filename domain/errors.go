// Package domain holds the error vocabulary shared by the relay, the
// transports and the chat session controller.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	ErrEmptyPrompt       = errors.New("prompt is empty")
	ErrRequestInFlight   = errors.New("a request is already in flight")
	ErrStopped           = errors.New("generation stopped by user")
	ErrMissingCredential = errors.New("provider credential is not configured")
	ErrInvalidResponse   = errors.New("invalid response format")
	ErrNoContent         = errors.New("no content in response")
	ErrUpstream          = errors.New("upstream provider error")
)

// UpstreamError represents a non-2xx answer from the inference provider or
// from the relay in front of it
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error [%d]", e.StatusCode)
	}
	return fmt.Sprintf("upstream error [%d]: %s", e.StatusCode, e.Message)
}

// Is allows comparison with ErrUpstream
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstream {
		return true
	}
	_, ok := target.(*UpstreamError)
	return ok
}

// NewUpstreamError creates a new UpstreamError
func NewUpstreamError(statusCode int, message string) *UpstreamError {
	return &UpstreamError{StatusCode: statusCode, Message: message}
}

// StatusCode extracts the provider status from err, or 0 when err does not
// carry one
func StatusCode(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.StatusCode
	}
	return 0
}
