package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// TransportError wraps network level failures (timeouts, resets). Always
// considered transient.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsNotReady reports a 404/"instance not found" answer, which right after
// instance creation reflects gateway provisioning lag rather than a real
// failure and deserves a longer retry delay.
func IsNotReady(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAuthError reports a fatal credential rejection. Never retried.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsQuotaError reports a fatal plan-limit rejection from the gateway.
func IsQuotaError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusPaymentRequired || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsTransient reports whether the error is worth a plain retry: transport
// failures and 5xx answers.
func IsTransient(err error) bool {
	var trErr *TransportError
	if errors.As(err, &trErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
