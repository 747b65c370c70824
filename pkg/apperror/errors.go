package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Error codes.
const (
	CodeMalformedRequest  = "CB_001"
	CodeUnknownMerchant   = "CB_002"
	CodeSignatureMismatch = "CB_003"

	CodeVersionConflict    = "TX_001"
	CodeConflictingOutcome = "TX_002"
	CodeNotFound           = "TX_003"
	CodeInvalidTransition  = "TX_004"
	CodeDuplicateOrder     = "TX_005"
	CodeValidation         = "TX_006"

	CodeMerchantExists = "MER_001"

	CodeNotEligible      = "RC_001"
	CodeTransportFailure = "RC_002"
	CodeGatewayRejected  = "RC_003"

	CodeInvalidToken      = "SEC_001"
	CodeForbidden         = "SEC_002"
	CodeRateLimitExceeded = "RATE_001"

	CodeInternal   = "SYS_001"
	CodeEncryption = "SYS_002"
)

// ---- Callback validation (CB) ----

func ErrMalformedRequest(detail string) *AppError {
	return New(CodeMalformedRequest, fmt.Sprintf("Malformed callback: %s", detail), http.StatusBadRequest)
}

func ErrUnknownMerchant() *AppError {
	return New(CodeUnknownMerchant, "Unknown merchant", http.StatusNotFound)
}

func ErrSignatureMismatch() *AppError {
	return New(CodeSignatureMismatch, "Signature mismatch", http.StatusUnauthorized)
}

// ---- Transaction state (TX) ----

func ErrVersionConflict() *AppError {
	return New(CodeVersionConflict, "Transaction was modified concurrently", http.StatusConflict)
}

func ErrConflictingOutcome(current, incoming string) *AppError {
	return New(CodeConflictingOutcome,
		fmt.Sprintf("Transaction already %s, refusing %s", current, incoming),
		http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidTransition(from, to string) *AppError {
	return New(CodeInvalidTransition,
		fmt.Sprintf("Transition from %s to %s is not allowed", from, to),
		http.StatusUnprocessableEntity)
}

func ErrDuplicateOrder() *AppError {
	return New(CodeDuplicateOrder, "Order already exists for this merchant", http.StatusConflict)
}

// Validation returns a request validation error.
func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// ---- Merchants (MER) ----

func ErrMerchantExists() *AppError {
	return New(CodeMerchantExists, "Merchant already exists", http.StatusConflict)
}

// ---- Reconciliation (RC) ----

func ErrNotEligible(status string) *AppError {
	return New(CodeNotEligible,
		fmt.Sprintf("Transaction in status %s is not eligible for reconciliation", status),
		http.StatusConflict)
}

func ErrTransportFailure(err error) *AppError {
	return Wrap(CodeTransportFailure, "Payment gateway unreachable", http.StatusServiceUnavailable, err)
}

func ErrGatewayRejected(status int, message string) *AppError {
	return New(CodeGatewayRejected,
		fmt.Sprintf("Payment gateway rejected request (%d): %s", status, message),
		http.StatusBadGateway)
}

// ---- Security (SEC) ----

func ErrInvalidToken() *AppError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
}

func ErrForbidden() *AppError {
	return New(CodeForbidden, "Operator role does not permit this action", http.StatusForbidden)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New(CodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrEncryptionFailure(err error) *AppError {
	return Wrap(CodeEncryption, "Encryption service failure", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
