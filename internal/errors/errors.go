// Package errors provides the HTTP error envelope of the telemetry service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	// Validation errors
	TLM_VALIDATION  ErrorCode = "TLM_VALIDATION"  // Request failed validation
	TLM_BAD_REQUEST ErrorCode = "TLM_BAD_REQUEST" // Malformed request body
	TLM_INVALID_DAY ErrorCode = "TLM_INVALID_DAY" // Day key is not YYYY-MM-DD

	// Authentication/Authorization errors
	TLM_AUTHN         ErrorCode = "TLM_AUTHN"         // Missing credentials
	TLM_AUTHZ         ErrorCode = "TLM_AUTHZ"         // Subject not allowed
	TLM_JWT_INVALID   ErrorCode = "TLM_JWT_INVALID"   // Signature, issuer or audience rejected
	TLM_JWT_EXPIRED   ErrorCode = "TLM_JWT_EXPIRED"   // Token expired
	TLM_JWT_MALFORMED ErrorCode = "TLM_JWT_MALFORMED" // Token cannot be parsed

	// Resource errors
	TLM_NOT_FOUND ErrorCode = "TLM_NOT_FOUND"
	TLM_CONFLICT  ErrorCode = "TLM_CONFLICT"

	// Server errors
	TLM_INTERNAL        ErrorCode = "TLM_INTERNAL"
	TLM_UNAVAILABLE     ErrorCode = "TLM_UNAVAILABLE"      // Store or broker not ready
	TLM_AGGREGATION     ErrorCode = "TLM_AGGREGATION"      // Batch could not run to completion
	TLM_NOT_IMPLEMENTED ErrorCode = "TLM_NOT_IMPLEMENTED"
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
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
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
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
	case TLM_VALIDATION, TLM_BAD_REQUEST, TLM_INVALID_DAY:
		return http.StatusBadRequest
	case TLM_AUTHZ:
		return http.StatusForbidden
	case TLM_AUTHN, TLM_JWT_INVALID, TLM_JWT_EXPIRED, TLM_JWT_MALFORMED:
		return http.StatusUnauthorized
	case TLM_NOT_FOUND:
		return http.StatusNotFound
	case TLM_CONFLICT:
		return http.StatusConflict
	case TLM_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case TLM_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
