package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// DomainError represents a structured error with additional context.
// Code is the stable machine-readable value returned to clients.
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. A target without a code matches on type alone;
// sentinels with a code match only copies of themselves.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Type == t.Type
	}
	return e.Type == t.Type && e.Code == t.Code && e.Message == t.Message
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Wrap returns a copy of the sentinel carrying cause
func (e *DomainError) Wrap(cause error) *DomainError {
	details := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	return &DomainError{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Err:     cause,
		Details: details,
	}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

func newCoded(errType ErrorType, code, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Domain error variables

var (
	// Authentication
	ErrInvalidCredentials = newCoded(ErrorTypeUnauthorized, "invalid_credentials", "invalid email or password")
	ErrUnauthenticated    = newCoded(ErrorTypeUnauthorized, "unauthorized", "authentication required")
	ErrMalformedToken     = newCoded(ErrorTypeUnauthorized, "invalid_token", "invalid authentication token")
	ErrTokenExpired       = newCoded(ErrorTypeUnauthorized, "invalid_token", "authentication token expired")
	ErrOIDCHandshake      = newCoded(ErrorTypeUnauthorized, "oidc_handshake_failed", "external login failed")

	// Authorization
	ErrInsufficientScope = newCoded(ErrorTypeForbidden, "insufficient_scope", "insufficient scope")

	// Conflicts. email_taken is reported as 400 by the HTTP layer.
	ErrEmailTaken        = newCoded(ErrorTypeConflict, "email_taken", "email already registered")
	ErrAccountLinkDenied = newCoded(ErrorTypeConflict, "account_link_denied", "account cannot be linked to this provider")

	// Rate limiting
	ErrTooManyAttempts = newCoded(ErrorTypeRateLimit, "too_many_attempts", "too many login attempts")

	// Validation
	ErrInvalidInput       = newCoded(ErrorTypeValidation, "validation_failed", "invalid input")
	ErrOIDCEmailMissing   = newCoded(ErrorTypeValidation, "oidc_email_missing", "external identity has no email")
	ErrIdentityIncomplete = newCoded(ErrorTypeValidation, "identity_incomplete", "identity requires an account id and email")

	// Infrastructure
	ErrSigningUnavailable = newCoded(ErrorTypeInternal, "signing_unavailable", "token signing unavailable")
	ErrStoreUnavailable   = newCoded(ErrorTypeUnavailable, "store_unavailable", "identity store unavailable")
	ErrInternal           = newCoded(ErrorTypeInternal, "internal_error", "internal server error")
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsUnavailableError checks if an error is a retryable dependency outage
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the client-facing code of a domain error, or empty string
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	e := NewDomainError(ErrorTypeInternal, message, err)
	e.Code = ErrInternal.Code
	return e
}

// WrapUnavailable wraps a dependency failure as a store outage
func WrapUnavailable(err error) error {
	return ErrStoreUnavailable.Wrap(err)
}
