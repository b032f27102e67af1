// Package apperr defines the error taxonomy shared by the storage layer, the
// study lifecycle and the payment ledger, and maps it onto response kinds and
// HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrPaymentExceedsBalance = errors.New("payment exceeds balance")
	ErrValidationFailed      = errors.New("validation failed")

	// ErrConflict reports a lost compare-and-swap on a row version or a
	// create over an existing row. Ledger and lifecycle retry loops absorb
	// most of them.
	ErrConflict = errors.New("version conflict")
)

// Kinds reported in response envelopes.
const (
	KindNotFound              = "not_found"
	KindStorageUnavailable    = "storage_unavailable"
	KindInvalidTransition     = "invalid_transition"
	KindPaymentExceedsBalance = "payment_exceeds_balance"
	KindValidationFailed      = "validation_failed"
	KindConflict              = "conflict"
	KindCanceled              = "canceled"
	KindInternal              = "internal"
)

// TransitionError carries the stage a request was in and the stage the caller
// tried to reach.
type TransitionError struct {
	Current   int
	Attempted int
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: stage %d cannot advance to stage %d", e.Current, e.Attempted)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// BalanceError describes a rejected payment. Amounts are in the currency's
// major unit.
type BalanceError struct {
	Price  float64
	Paid   float64
	Amount float64
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("payment exceeds balance: amount %.2f, outstanding %.2f", e.Amount, e.Price-e.Paid)
}

func (e *BalanceError) Is(target error) bool {
	return target == ErrPaymentExceedsBalance
}

// Validation wraps err (typically ozzo validation.Errors) so that it matches
// ErrValidationFailed while keeping the field messages.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &validationError{cause: err}
}

// Validationf builds a validation error from a message.
func Validationf(format string, args ...any) error {
	return &validationError{cause: fmt.Errorf(format, args...)}
}

type validationError struct {
	cause error
}

func (e *validationError) Error() string { return e.cause.Error() }

func (e *validationError) Unwrap() error { return e.cause }

func (e *validationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unavailable wraps a transport failure from the underlying store.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Kind classifies err for a response envelope.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrPaymentExceedsBalance):
		return KindPaymentExceedsBalance
	case errors.Is(err, ErrValidationFailed):
		return KindValidationFailed
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindPaymentExceedsBalance:
		return http.StatusUnprocessableEntity
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
