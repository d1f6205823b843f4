package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Empty(t, domainErr.Code)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "guarded account not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: guarded account not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same code",
			err:    ErrNotOwner.Wrap(errors.New("caller 0xabc")),
			target: ErrNotOwner,
			want:   true,
		},
		{
			name:   "same type different code",
			err:    ErrNotAgent,
			target: ErrNotOwner,
			want:   false,
		},
		{
			name:   "uncoded target matches any code of its type",
			err:    ErrPaymentExpired,
			target: ErrConcurrentUpdate,
			want:   true,
		},
		{
			name:   "different error type",
			err:    NewDomainError(ErrorTypeValidation, "validation", nil),
			target: ErrGuardNotFound,
			want:   false,
		},
		{
			name:   "not a domain error",
			err:    ErrGuardNotFound,
			target: errors.New("regular error"),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := ErrInsufficientBalance.WithDetail("balance", int64(10)).WithDetail("requested", int64(20))

	assert.Equal(t, int64(10), err.Details["balance"])
	assert.Equal(t, int64(20), err.Details["requested"])
	assert.Empty(t, ErrInsufficientBalance.Details, "shared error value must not be mutated")
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"not found", ErrGuardNotFound, IsNotFoundError, true},
		{"invalid payment id is not found", ErrInvalidPaymentID, IsNotFoundError, true},
		{"wrapped not found", fmt.Errorf("wrapped: %w", ErrGuardNotFound), IsNotFoundError, true},
		{"validation", ErrInvalidAmount, IsValidationError, true},
		{"unauthorized", ErrInvalidToken, IsUnauthorizedError, true},
		{"not owner is forbidden", ErrNotOwner, IsForbiddenError, true},
		{"not agent is forbidden", ErrNotAgent, IsForbiddenError, true},
		{"rate limit", ErrRateLimitExceeded, IsRateLimitError, true},
		{"already resolved is conflict", ErrPaymentAlreadyResolved, IsConflictError, true},
		{"expired is conflict", ErrPaymentExpired, IsConflictError, true},
		{"insufficient balance is resource", ErrInsufficientBalance, IsResourceError, true},
		{"internal", ErrLockFailed, IsInternalError, true},
		{"external", ErrLedgerUnavailable, IsExternalError, true},
		{"resource is not validation", ErrInsufficientBalance, IsValidationError, false},
		{"regular error", errors.New("regular"), IsNotFoundError, false},
		{"nil error", nil, IsInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestGetErrorTypeAndCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantCode ErrorCode
	}{
		{"not owner", ErrNotOwner, ErrorTypeForbidden, CodeNotOwner},
		{"expired", fmt.Errorf("approve: %w", ErrPaymentExpired), ErrorTypeConflict, CodePaymentExpired},
		{"internal", ErrInternal, ErrorTypeInternal, ""},
		{"regular error", errors.New("regular"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, GetErrorType(tt.err))
			assert.Equal(t, tt.wantCode, GetErrorCode(tt.err))
		})
	}
}

func TestGetErrorDetails(t *testing.T) {
	err := ErrInvalidInput.WithDetail("field", "amount")

	details := GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, "amount", details["field"])

	assert.Nil(t, GetErrorDetails(errors.New("regular error")))
}

func TestWrapHelpers(t *testing.T) {
	baseErr := errors.New("connection refused")

	wrapped := WrapError(ErrorTypeInternal, "wrapped message", baseErr)
	var domainErr *DomainError
	require.True(t, errors.As(wrapped, &domainErr))
	assert.Equal(t, ErrorTypeInternal, domainErr.Type)
	assert.Equal(t, "wrapped message", domainErr.Message)
	assert.Equal(t, baseErr, errors.Unwrap(wrapped))

	assert.True(t, IsInternalError(WrapInternal("failed to connect", baseErr)))
	assert.True(t, IsExternalError(WrapExternal("ledger call failed", baseErr)))
}

func TestAllErrorVariablesAreDefined(t *testing.T) {
	errorVars := []*DomainError{
		ErrNotOwner,
		ErrNotAgent,
		ErrUnauthorized,
		ErrInvalidToken,
		ErrInvalidPaymentID,
		ErrPaymentAlreadyResolved,
		ErrPaymentExpired,
		ErrInsufficientBalance,
		ErrGuardNotFound,
		ErrInvalidInput,
		ErrInvalidAmount,
		ErrInvalidAddress,
		ErrInvalidPolicy,
		ErrRateLimitExceeded,
		ErrConcurrentUpdate,
		ErrInternal,
		ErrDatabaseError,
		ErrTransactionFailed,
		ErrLockFailed,
		ErrLedgerUnavailable,
	}

	for _, err := range errorVars {
		require.NotNil(t, err)
		assert.NotEmpty(t, err.Type)
		assert.NotEmpty(t, err.Message)
	}
}
