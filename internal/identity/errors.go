package identity

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when a subject or object does not exist.
var ErrNotFound = errors.New("identity object not found")

// ErrNotConfigured is returned when a client is built without credentials.
var ErrNotConfigured = errors.New("identity provider not configured")

// Provider error codes that indicate an authorization failure.
var permissionCodes = map[string]bool{
	"Authorization_RequestDenied": true,
	"AccessDenied":                true,
	"Forbidden":                   true,
}

// APIError is a non-404 failure returned by the identity provider.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

// Error implements error.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("identity %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("identity %s failed: status %d code %q: %s", e.Op, e.StatusCode, e.Code, e.Message)
}

// Unwrap returns the transport error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err represents an absent object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermissionDenied reports whether err is an authorization failure
// (HTTP 403 or a provider authorization error code).
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusForbidden || permissionCodes[apiErr.Code]
}

// IsTransient reports whether err is likely to succeed on retry
// (throttling, server errors, transport failures).
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 0 ||
		apiErr.StatusCode == http.StatusTooManyRequests ||
		apiErr.StatusCode >= 500
}

// notFound wraps ErrNotFound with the operation name.
func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, ErrNotFound)
}
