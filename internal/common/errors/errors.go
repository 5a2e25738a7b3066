package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of application error.
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"

	// Token errors reported before any redemption attempt. The client keeps
	// the original token and may resubmit.
	ErrCodeFormat             ErrorCode = "FORMAT_ERROR"
	ErrCodeUntrustedMint      ErrorCode = "UNTRUSTED_MINT"
	ErrCodeAlreadySpent       ErrorCode = "ALREADY_SPENT"
	ErrCodeInsufficientAmount ErrorCode = "INSUFFICIENT_AMOUNT"

	// Redemption errors.
	ErrCodeCounterDesync       ErrorCode = "COUNTER_DESYNC"
	ErrCodeRedemptionAmbiguous ErrorCode = "REDEMPTION_AMBIGUOUS"
	ErrCodeMintError           ErrorCode = "MINT_ERROR"
	ErrCodeMintUnreachable     ErrorCode = "MINT_UNREACHABLE"

	// Wallet state errors.
	ErrCodeLedgerCorrupt       ErrorCode = "LEDGER_CORRUPT"
	ErrCodeLedgerError         ErrorCode = "LEDGER_ERROR"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeNotInitialized      ErrorCode = "NOT_INITIALIZED"

	// Payout errors.
	ErrCodeLNURL  ErrorCode = "LNURL_ERROR"
	ErrCodePayout ErrorCode = "PAYOUT_ERROR"
)

// AppError is a typed application error carried across layer boundaries.
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches extra structured information to the error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRefundable reports whether the error belongs to the
// recoverable-before-redemption class: the token was never consumed and the
// client may safely reuse it.
func (e *AppError) IsRefundable() bool {
	switch e.Code {
	case ErrCodeFormat, ErrCodeUntrustedMint, ErrCodeAlreadySpent,
		ErrCodeInsufficientAmount, ErrCodeMintUnreachable:
		return true
	}
	return false
}

// New creates a new application error.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a new application error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new application error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// AsAppError extracts an *AppError from anywhere in the error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the error's code, or ErrCodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
