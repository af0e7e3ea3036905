package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Wallet & ledger. All amounts are integer paise (1/100 rupee).
// ============================================================

// TransactionType distinguishes credits from debits. Amounts are always positive.
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Wallet holds the spendable balance of one customer or merchant.
type Wallet struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"ownerId" db:"owner_id"`
	OwnerType    Role      `json:"ownerType" db:"owner_type"`
	BalancePaise int64     `json:"balancePaise" db:"balance_paise"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// WalletTransaction is an append-only ledger entry. BalanceAfterPaise is the
// wallet balance immediately after this entry was applied.
type WalletTransaction struct {
	ID                string          `json:"id" db:"id"`
	WalletID          string          `json:"walletId" db:"wallet_id"`
	Type              TransactionType `json:"type" db:"type"`
	AmountPaise       int64           `json:"amountPaise" db:"amount_paise"`
	BalanceAfterPaise int64           `json:"balanceAfterPaise" db:"balance_after_paise"`
	Description       string          `json:"description" db:"description"`
	ReferenceType     string          `json:"referenceType" db:"reference_type"`
	ReferenceID       string          `json:"referenceId,omitempty" db:"reference_id"`
	IdempotencyKey    string          `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	Metadata          map[string]any  `json:"metadata,omitempty" db:"-"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
}

// Signed returns the amount as a balance delta.
func (t *WalletTransaction) Signed() int64 {
	if t.Type == TransactionDebit {
		return -t.AmountPaise
	}
	return t.AmountPaise
}

// LedgerMutation is one compare-and-swap balance write plus its ledger entry.
// Stores must apply both or neither.
type LedgerMutation struct {
	WalletID        string
	ExpectedBalance int64
	NewBalance      int64
	Entry           WalletTransaction
}

// DebitRequest is the service-level debit command.
type DebitRequest struct {
	OwnerID        string
	AmountPaise    int64
	ReferenceID    string
	ReferenceType  string
	Description    string
	IdempotencyKey string
}

// CreditRequest is the service-level credit command.
type CreditRequest struct {
	OwnerID        string
	AmountPaise    int64
	ReferenceType  string
	Description    string
	Metadata       map[string]any
	IdempotencyKey string
}

// WalletSummary is returned by GET /v1/wallet.
type WalletSummary struct {
	Wallet       *Wallet             `json:"wallet"`
	Recent       []WalletTransaction `json:"recentTransactions"`
	BalanceRupee string              `json:"balance"`
}

// DebitBody is the body for POST /v1/wallet/debit. Amount is in rupees with at
// most two decimals; AmountPaise may be sent instead.
type DebitBody struct {
	Amount        *decimal.Decimal `json:"amount" validate:"required_without=AmountPaise"`
	AmountPaise   *int64           `json:"amountPaise" validate:"required_without=Amount,omitempty,gt=0"`
	ReferenceID   string           `json:"referenceId" validate:"max=128"`
	ReferenceType string           `json:"referenceType" validate:"required,max=64"`
	Description   string           `json:"description" validate:"max=500"`
}

// CreditBody is the body for POST /v1/admin/wallets/{ownerId}/credit.
type CreditBody struct {
	Amount        *decimal.Decimal `json:"amount" validate:"required_without=AmountPaise"`
	AmountPaise   *int64           `json:"amountPaise" validate:"required_without=Amount,omitempty,gt=0"`
	ReferenceType string           `json:"referenceType" validate:"required,max=64"`
	Description   string           `json:"description" validate:"max=500"`
	Metadata      map[string]any   `json:"metadata"`
}

// TransactionResponse is returned by debit and credit endpoints.
type TransactionResponse struct {
	Success     bool               `json:"success"`
	Transaction *WalletTransaction `json:"transaction"`
}
