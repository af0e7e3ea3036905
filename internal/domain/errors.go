package domain

import (
	"fmt"
	"time"
)

// Error types for consistent error handling across the BFA.
// Messages returned by Error() on caller-facing errors are shown to clients verbatim.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in the store or a provider call.
// Clients only ever see a generic message for it.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return e.Message
}

// ErrRateLimited indicates the caller must wait before retrying.
type ErrRateLimited struct {
	Message    string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return e.Message
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *ErrRateLimited) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// ErrInsufficientFunds indicates not enough balance for a debit. Amounts are in paise.
type ErrInsufficientFunds struct {
	Available int64
	Required  int64
}

func (e *ErrInsufficientFunds) Error() string {
	return "Insufficient wallet balance"
}

// ErrConcurrency indicates the wallet balance changed between read and write.
type ErrConcurrency struct {
	WalletID string
}

func (e *ErrConcurrency) Error() string {
	return fmt.Sprintf("wallet %s was modified concurrently, please retry", e.WalletID)
}

// ErrDuplicate indicates a duplicate operation (idempotency check).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrForbidden indicates the user lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrInvalidCode indicates an invalid, used or expired OTP.
type ErrInvalidCode struct{}

func (e *ErrInvalidCode) Error() string {
	return "Invalid or expired OTP"
}
