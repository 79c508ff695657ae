package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes. These are the machine-checkable "error" field of every
// error response body.
const (
	ErrCodeValidation             = "validation_error"
	ErrCodePaymentRequired        = "payment_required"
	ErrCodePaymentInvalid         = "payment_invalid"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeFacilitatorUnavailable = "facilitator_unavailable"
	ErrCodeInvalidConfig          = "invalid_config"
	ErrCodeInternal               = "internal_error"
	ErrCodeUnauthorized           = "unauthorized"
	ErrCodeNotFound               = "not_found"
	ErrCodeRequestTooLarge        = "request_too_large"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodePaymentRequired, ErrCodePaymentInvalid:
		return http.StatusPaymentRequired
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
