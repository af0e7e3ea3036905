// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
)

// IssueFunc decides whether a new OTP may be issued given the records created
// for the phone since the window start, newest first. Returning a record asks
// the store to persist it in the same unit as the read.
type IssueFunc func(recent []domain.OTPRecord) (*domain.OTPRecord, error)

// OTPStore persists hashed one-time passcodes.
type OTPStore interface {
	// IssueOTP reads the phone's records created at or after since and, if
	// issue returns a record, inserts it. Implementations serialise per phone
	// where the backend allows it.
	IssueOTP(ctx context.Context, phone string, since time.Time, issue IssueFunc) (*domain.OTPRecord, error)
	// GetLatestActiveOTP returns the newest unused, unexpired record, or nil.
	GetLatestActiveOTP(ctx context.Context, phone string, now time.Time) (*domain.OTPRecord, error)
	IncrementOTPAttempts(ctx context.Context, id string) (int, error)
	// MarkOTPUsed flips is_used only if it was false. It reports whether it did.
	MarkOTPUsed(ctx context.Context, id string) (bool, error)
}

// UserStore manages login identities.
type UserStore interface {
	// GetOrCreateUserByPhone returns the user for phone, creating a customer
	// (and provisioning its wallet where the backend owns that) if absent.
	GetOrCreateUserByPhone(ctx context.Context, phone string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	SuspendUser(ctx context.Context, id string) error
}

// WalletStore reads wallets and applies ledger mutations atomically.
// Lookups return (nil, nil) when nothing matches.
type WalletStore interface {
	GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error)
	// ApplyMutation performs the compare-and-swap balance write and the
	// ledger insert as one atomic unit. A lost race yields
	// *domain.ErrConcurrency; a reused idempotency key yields *domain.ErrDuplicate.
	ApplyMutation(ctx context.Context, m *domain.LedgerMutation) (*domain.WalletTransaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, walletID, key string) (*domain.WalletTransaction, error)
	// ListTransactions returns newest first.
	ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]domain.WalletTransaction, error)
	// ListAllTransactions returns the full log in application order (oldest first).
	ListAllTransactions(ctx context.Context, walletID string) ([]domain.WalletTransaction, error)
}

// Store bundles every persistence port a backend provides.
type Store interface {
	OTPStore
	UserStore
	WalletStore
	HealthChecker
}

// SMSResult is the provider's answer to a dispatch.
type SMSResult struct {
	Success   bool
	MessageID string
	Error     string
}

// SMSSender dispatches a text message. to carries the country calling code.
type SMSSender interface {
	Send(ctx context.Context, to, message string) (*SMSResult, error)
}

// RateLimiter is a keyed sliding-window limiter.
type RateLimiter interface {
	// Allow records a hit for key and reports whether it is within limits.
	// When it is not, retryAfter is how long until the oldest hit leaves the window.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// HealthChecker probes a dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
