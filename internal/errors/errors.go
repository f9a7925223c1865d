package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response. ErrorCode is the
// machine-readable reason code from the trust-core taxonomy; Message is the
// human-readable explanation. Callers can always distinguish "deny" from
// "system failure" by the code.
type APIError struct {
	StatusCode int         `json:"-"`
	ErrorCode  string      `json:"error"`
	Message    string      `json:"message"`
	Hint       string      `json:"hint,omitempty"`
	Details    interface{} `json:"details,omitempty"`
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

// WithHint returns a copy of the error carrying an operator-facing hint,
// e.g. the 4-character hint of the active API key.
func (e *APIError) WithHint(hint string) *APIError {
	clone := *e
	clone.Hint = hint
	return &clone
}

// WithDetails returns a copy of the error with attached details.
func (e *APIError) WithDetails(details interface{}) *APIError {
	clone := *e
	clone.Details = details
	return &clone
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// Predefined errors covering the trust-core taxonomy.
var (
	// 400 Bad Request
	ErrInvalidRequest   = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")

	// 401 Unauthorized
	ErrUnauthorized = New(http.StatusUnauthorized, "UNAUTHORIZED", "A valid API key is required")

	// 403 Forbidden — license problems that block privileged functionality
	ErrLicenseCorrupted = New(http.StatusForbidden, "CORRUPTED", "License file is corrupted or unreadable")
	ErrInvalidSignature = New(http.StatusForbidden, "INVALID_SIGNATURE", "License signature verification failed")
	ErrHardwareMismatch = New(http.StatusForbidden, "HARDWARE_MISMATCH", "License is not bound to this machine")
	ErrLicenseExpired   = New(http.StatusForbidden, "EXPIRED", "License has expired beyond its grace period")

	// 404 Not Found
	ErrNotFound = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")

	// 409 Conflict
	ErrConflict = New(http.StatusConflict, "CONFLICT", "Resource conflict")

	// 429 Too Many Requests
	ErrRateLimitExceeded = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")

	// 500 Internal Server Error
	ErrStorageFailure = New(http.StatusInternalServerError, "STORAGE_FAILURE", "A storage operation failed")
	ErrInternalServer = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidation creates a validation error with field details
func ErrValidation(field, message string) *APIError {
	return ErrValidationFailed.WithDetails(ValidationError{Field: field, Message: message})
}

// InvalidRequestWithError creates an invalid request error with the cause attached.
func InvalidRequestWithError(err error) *APIError {
	return ErrInvalidRequest.WithDetails(err.Error())
}

// NotFoundError creates a not found error naming the missing resource.
func NotFoundError(resource string) *APIError {
	return New(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

// StorageError wraps a storage failure. The underlying cause is attached as
// a detail so operators can diagnose it, while callers see a stable code.
func StorageError(operation string, err error) *APIError {
	return New(http.StatusInternalServerError, "STORAGE_FAILURE",
		fmt.Sprintf("Storage failure during %s", operation)).WithDetails(err.Error())
}

// WriteError writes an error response to the HTTP response writer without
// going through chi/render, for use in plain middleware.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}
