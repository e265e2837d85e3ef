// Package errors renders HTTP failures as RFC 7807 problem details.
package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details any) *APIError {
	e := New(statusCode, errorCode, message)
	e.Details = details
	return e
}

// Error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
	CodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	CodeInternal       = "INTERNAL_ERROR"
)

// InvalidParameter is a 400 naming the offending query or path parameter.
func InvalidParameter(name, value string) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest,
		fmt.Sprintf("invalid value for %s", name),
		map[string]string{"parameter": name, "value": value})
}

// NotFoundError is a 404 for one resource.
func NotFoundError(resource, id string) *APIError {
	return New(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s %s not found", resource, id))
}

// Unavailable is a 503 for a feature that is not configured.
func Unavailable(feature string) *APIError {
	return New(http.StatusServiceUnavailable, CodeUnavailable, feature+" is not available")
}
