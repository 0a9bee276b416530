package pipeline

import "net/http"

// Code is the stable, externally visible error class. The set is deliberately
// small; anything unanticipated collapses into CodeInternalError with full
// detail kept server-side only.
type Code string

const (
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeOriginNotAllowed     Code = "ORIGIN_NOT_ALLOWED"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeUpstreamUnavailable  Code = "UPSTREAM_UNAVAILABLE"
	CodeInternalError        Code = "INTERNAL_ERROR"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`

	// AllowOrigin is the Access-Control-Allow-Origin echo for the error
	// response. Without it the browser withholds the envelope from the
	// widget and the error message never reaches the page.
	AllowOrigin string `json:"-"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) withOrigin(allowOrigin string) *Error {
	e.AllowOrigin = allowOrigin
	return e
}

func authFailed() *Error {
	// Coarse on purpose: malformed keys, unknown keys, and inactive tenants
	// all read the same externally.
	return &Error{
		Code:    CodeAuthenticationFailed,
		Message: "Invalid API key",
		Status:  http.StatusUnauthorized,
	}
}

func originNotAllowed() *Error {
	return &Error{
		Code:    CodeOriginNotAllowed,
		Message: "This origin is not allowed for this widget",
		Status:  http.StatusForbidden,
	}
}

func validationFailed(message string) *Error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func quotaExceeded(message string) *Error {
	return &Error{
		Code:    CodeQuotaExceeded,
		Message: message,
		Status:  http.StatusTooManyRequests,
	}
}

func upstreamUnavailable(message string) *Error {
	return &Error{
		Code:    CodeUpstreamUnavailable,
		Message: message,
		Status:  http.StatusServiceUnavailable,
	}
}

func internalError() *Error {
	return &Error{
		Code:    CodeInternalError,
		Message: "An unexpected error occurred",
		Status:  http.StatusInternalServerError,
	}
}
