package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the ledger engine.
var (
	ErrValidation          = errors.New("validation error")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletNotActive     = errors.New("wallet not active")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrConcurrencyConflict = errors.New("concurrent modification")
	ErrExternalProvider    = errors.New("external provider error")
	ErrInternal            = errors.New("internal error")

	// ErrInvalidTransition is returned by the transaction state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stable codes for each error kind, as stored on failed transactions and
// returned to API clients.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeWalletNotFound      = "WALLET_NOT_FOUND"
	CodeWalletNotActive     = "WALLET_NOT_ACTIVE"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeExternalProvider    = "EXTERNAL_PROVIDER_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrWalletNotFound, CodeWalletNotFound},
	{ErrWalletNotActive, CodeWalletNotActive},
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrIdempotencyConflict, CodeIdempotencyConflict},
	{ErrConcurrencyConflict, CodeConcurrencyConflict},
	{ErrExternalProvider, CodeExternalProvider},
	{ErrInternal, CodeInternal},
}

// Code returns the stable code for err. Errors outside the taxonomy are internal.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeInternal
}

// KindFromCode returns the sentinel for a stored code.
func KindFromCode(code string) error {
	for _, k := range kinds {
		if k.code == code {
			return k.err
		}
	}
	return ErrInternal
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Detail returns the part of err's message after its kind, the reason stored
// next to the code on a failed transaction.
func Detail(err error) string {
	msg := err.Error()
	kind := KindFromCode(Code(err)).Error()
	if i := strings.Index(msg, kind+": "); i >= 0 {
		return msg[i+len(kind)+2:]
	}
	if msg == kind {
		return ""
	}
	return strings.TrimSuffix(msg, ": "+kind)
}
