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
	ErrorTypeResource     ErrorType = "resource"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
)

// ErrorCode is the stable, machine-readable name of a specific failure
type ErrorCode string

const (
	CodeNotOwner               ErrorCode = "NotOwner"
	CodeNotAgent               ErrorCode = "NotAgent"
	CodeInvalidPaymentID       ErrorCode = "InvalidPaymentId"
	CodePaymentAlreadyResolved ErrorCode = "PaymentAlreadyResolved"
	CodePaymentExpired         ErrorCode = "PaymentExpired"
	CodeInsufficientBalance    ErrorCode = "InsufficientBalance"
	CodeBalanceOverflow        ErrorCode = "BalanceOverflow"
	CodeGuardNotFound          ErrorCode = "GuardNotFound"
	CodeInvalidInput           ErrorCode = "InvalidInput"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    ErrorCode
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

// Is implements errors.Is. A target without a code matches any code of its type.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithDetail returns a copy of the error with the detail added.
// The package-level error values are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// Wrap returns a copy of the error carrying err as its cause
func (e *DomainError) Wrap(err error) *DomainError {
	c := *e
	c.Err = err
	return &c
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

// NewCodedError creates a domain error with a stable code
func NewCodedError(errType ErrorType, code ErrorCode, message string) *DomainError {
	e := NewDomainError(errType, message, nil)
	e.Code = code
	return e
}

// Domain error variables

var (
	// Access Errors
	ErrNotOwner = NewCodedError(ErrorTypeForbidden, CodeNotOwner, "caller is not the account owner")
	ErrNotAgent = NewCodedError(ErrorTypeForbidden, CodeNotAgent, "caller is not the account agent")

	// Authentication Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)

	// Resolution Errors
	ErrInvalidPaymentID       = NewCodedError(ErrorTypeNotFound, CodeInvalidPaymentID, "pending payment does not exist")
	ErrPaymentAlreadyResolved = NewCodedError(ErrorTypeConflict, CodePaymentAlreadyResolved, "pending payment already resolved")
	ErrPaymentExpired         = NewCodedError(ErrorTypeConflict, CodePaymentExpired, "pending payment expired")

	// Resource Errors
	ErrInsufficientBalance = NewCodedError(ErrorTypeResource, CodeInsufficientBalance, "insufficient balance")
	ErrBalanceOverflow     = NewCodedError(ErrorTypeResource, CodeBalanceOverflow, "balance would exceed the maximum")

	// Not Found Errors
	ErrGuardNotFound = NewCodedError(ErrorTypeNotFound, CodeGuardNotFound, "guarded account not found")

	// Validation Errors
	ErrInvalidInput   = NewCodedError(ErrorTypeValidation, CodeInvalidInput, "invalid input")
	ErrInvalidAmount  = NewCodedError(ErrorTypeValidation, CodeInvalidInput, "amount must be positive")
	ErrInvalidAddress = NewCodedError(ErrorTypeValidation, CodeInvalidInput, "invalid address")
	ErrInvalidPolicy  = NewCodedError(ErrorTypeValidation, CodeInvalidInput, "limits must be non-negative")

	// Rate Limit Errors
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Conflict Errors
	ErrConcurrentUpdate = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrLockFailed        = NewDomainError(ErrorTypeInternal, "could not acquire account lock", nil)

	// External Errors
	ErrLedgerUnavailable = NewDomainError(ErrorTypeExternal, "ledger unavailable", nil)
)

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden (access) error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return hasType(err, ErrorTypeRateLimit)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsResourceError checks if an error reflects a ledger fact such as a short balance
func IsResourceError(err error) bool {
	return hasType(err, ErrorTypeResource)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// IsExternalError checks if an error is an external collaborator error
func IsExternalError(err error) bool {
	return hasType(err, ErrorTypeExternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the ErrorCode of a domain error, or empty string
func GetErrorCode(err error) ErrorCode {
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
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external collaborator error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
