package bizzdesign

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRepositoryNotFound is returned when a repository id is unknown upstream
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrUnauthorized is matched by any 401/403 response, token endpoint included
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx upstream response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bizzdesign api error %d: %s", e.StatusCode, e.Message)
}

// Is makes auth failures match ErrUnauthorized
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && isAuthStatus(e.StatusCode)
}

// Retryable reports whether the status is worth another attempt
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsNotFound reports whether err is an upstream 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
