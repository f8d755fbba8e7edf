// Package errors provides standardized error responses for the admission service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the admission service.
type ErrorCode string

const (
	// Request errors
	ADM_VALIDATION    ErrorCode = "ADM_VALIDATION"    // General validation error
	ADM_SCHEMA_REJECT ErrorCode = "ADM_SCHEMA_REJECT" // Request body failed schema validation
	ADM_BAD_REQUEST   ErrorCode = "ADM_BAD_REQUEST"   // Malformed request
	ADM_UNTRUSTED     ErrorCode = "ADM_UNTRUSTED"     // Credential or snapshot failed integrity checks

	// Authentication/Authorization errors
	ADM_AUTHZ         ErrorCode = "ADM_AUTHZ"         // Caller lacks the required role
	ADM_AUTHN         ErrorCode = "ADM_AUTHN"         // Authentication failed
	ADM_JWT_INVALID   ErrorCode = "ADM_JWT_INVALID"   // Invalid JWT
	ADM_JWT_EXPIRED   ErrorCode = "ADM_JWT_EXPIRED"   // Expired JWT
	ADM_JWT_MALFORMED ErrorCode = "ADM_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	ADM_NOT_FOUND ErrorCode = "ADM_NOT_FOUND" // Resource not found
	ADM_CONFLICT  ErrorCode = "ADM_CONFLICT"  // State conflict (e.g. already active credential)

	// Rate limiting
	ADM_RATE_LIMIT ErrorCode = "ADM_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	ADM_INTERNAL    ErrorCode = "ADM_INTERNAL"    // Internal server error
	ADM_UNAVAILABLE ErrorCode = "ADM_UNAVAILABLE" // Dependency unavailable or timed out
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId"`
	Details       any       `json:"details,omitempty"`
	HTTPStatus    int       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details any) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case ADM_VALIDATION, ADM_SCHEMA_REJECT, ADM_BAD_REQUEST:
		return http.StatusBadRequest
	case ADM_UNTRUSTED:
		return http.StatusUnprocessableEntity
	case ADM_AUTHZ:
		return http.StatusForbidden
	case ADM_AUTHN, ADM_JWT_INVALID, ADM_JWT_EXPIRED, ADM_JWT_MALFORMED:
		return http.StatusUnauthorized
	case ADM_NOT_FOUND:
		return http.StatusNotFound
	case ADM_CONFLICT:
		return http.StatusConflict
	case ADM_RATE_LIMIT:
		return http.StatusTooManyRequests
	case ADM_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
