package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// WalletStore implementation: wallets and wallet_transactions
// ============================================================

var _ port.Store = (*Client)(nil)

const (
	walletSelect      = "select=id,owner_id,owner_type,balance_paise,updated_at"
	transactionSelect = "select=id,wallet_id,type,amount_paise,balance_after_paise,description,reference_type,reference_id,idempotency_key,metadata,created_at"
	auditPageSize     = 1000
)

type walletRow struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	OwnerType    string    `json:"owner_type"`
	BalancePaise int64     `json:"balance_paise"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *walletRow) toDomain() *domain.Wallet {
	return &domain.Wallet{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		OwnerType:    domain.Role(r.OwnerType),
		BalancePaise: r.BalancePaise,
		UpdatedAt:    r.UpdatedAt,
	}
}

type transactionRow struct {
	ID                string         `json:"id"`
	WalletID          string         `json:"wallet_id"`
	Type              string         `json:"type"`
	AmountPaise       int64          `json:"amount_paise"`
	BalanceAfterPaise int64          `json:"balance_after_paise"`
	Description       string         `json:"description"`
	ReferenceType     string         `json:"reference_type"`
	ReferenceID       *string        `json:"reference_id"`
	IdempotencyKey    *string        `json:"idempotency_key"`
	Metadata          map[string]any `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (r *transactionRow) toDomain() domain.WalletTransaction {
	tx := domain.WalletTransaction{
		ID:                r.ID,
		WalletID:          r.WalletID,
		Type:              domain.TransactionType(r.Type),
		AmountPaise:       r.AmountPaise,
		BalanceAfterPaise: r.BalanceAfterPaise,
		Description:       r.Description,
		ReferenceType:     r.ReferenceType,
		Metadata:          r.Metadata,
		CreatedAt:         r.CreatedAt,
	}
	if r.ReferenceID != nil {
		tx.ReferenceID = *r.ReferenceID
	}
	if r.IdempotencyKey != nil {
		tx.IdempotencyKey = *r.IdempotencyKey
	}
	return tx
}

func toDomainList(rows []transactionRow) []domain.WalletTransaction {
	out := make([]domain.WalletTransaction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

func (c *Client) GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetWalletByOwner")
	defer span.End()

	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, nil
	}

	var wallet *domain.Wallet
	err := c.read(ctx, "supabase/wallets", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("wallets?%s&%s&limit=1", walletSelect, eq("owner_id", ownerID)), nil, "")
		if err != nil {
			return err
		}
		row, err := firstRow[walletRow](body, "wallets")
		if row != nil {
			wallet = row.toDomain()
		}
		return err
	})
	return wallet, err
}

// ApplyMutation calls the wallet_apply_mutation RPC. The function runs the
// conditional balance update and the ledger insert in one database
// transaction and returns no row when the expected balance no longer holds.
func (c *Client) ApplyMutation(ctx context.Context, m *domain.LedgerMutation) (*domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ApplyMutation")
	defer span.End()
	span.SetAttributes(
		attribute.String("wallet.id", m.WalletID),
		attribute.String("wallet.tx_type", string(m.Entry.Type)),
	)

	params := map[string]any{
		"p_wallet_id":        m.WalletID,
		"p_expected_balance": m.ExpectedBalance,
		"p_new_balance":      m.NewBalance,
		"p_tx_id":            uuid.NewString(),
		"p_type":             string(m.Entry.Type),
		"p_amount_paise":     m.Entry.AmountPaise,
		"p_description":      m.Entry.Description,
		"p_reference_type":   m.Entry.ReferenceType,
		"p_reference_id":     nullable(m.Entry.ReferenceID),
		"p_idempotency_key":  nullable(m.Entry.IdempotencyKey),
		"p_metadata":         metadataOrEmpty(m.Entry.Metadata),
	}

	var out *domain.WalletTransaction
	err := c.write("supabase/wallets", func() error {
		body, err := c.doRequest(ctx, http.MethodPost, "rpc/wallet_apply_mutation", params, "")
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Code == "23505" {
				return &domain.ErrDuplicate{Key: m.Entry.IdempotencyKey}
			}
			return err
		}
		row, err := firstRow[transactionRow](body, "wallet_transactions")
		if err != nil {
			return err
		}
		if row == nil {
			return &domain.ErrConcurrency{WalletID: m.WalletID}
		}
		tx := row.toDomain()
		out = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FindTransactionByIdempotencyKey(ctx context.Context, walletID, key string) (*domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FindTransactionByIdempotencyKey")
	defer span.End()

	var out *domain.WalletTransaction
	err := c.read(ctx, "supabase/wallets", func() error {
		path := fmt.Sprintf("wallet_transactions?%s&%s&%s&limit=1",
			transactionSelect, eq("wallet_id", walletID), eq("idempotency_key", key))
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		row, err := firstRow[transactionRow](body, "wallet_transactions")
		if row != nil {
			tx := row.toDomain()
			out = &tx
		}
		return err
	})
	return out, err
}

func (c *Client) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListTransactions")
	defer span.End()

	return c.selectTransactions(ctx, walletID, "seq.desc", limit, offset)
}

// ListAllTransactions pages through the ledger oldest first.
func (c *Client) ListAllTransactions(ctx context.Context, walletID string) ([]domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListAllTransactions")
	defer span.End()

	var all []domain.WalletTransaction
	for offset := 0; ; offset += auditPageSize {
		page, err := c.selectTransactions(ctx, walletID, "seq.asc", auditPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < auditPageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("ledger.entries", len(all)))
	return all, nil
}

func (c *Client) selectTransactions(ctx context.Context, walletID, order string, limit, offset int) ([]domain.WalletTransaction, error) {
	var out []domain.WalletTransaction
	err := c.read(ctx, "supabase/wallets", func() error {
		path := fmt.Sprintf("wallet_transactions?%s&%s&order=%s&limit=%d&offset=%d",
			transactionSelect, eq("wallet_id", walletID), order, limit, offset)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		rows, err := decodeRows[transactionRow](body, "wallet_transactions")
		out = toDomainList(rows)
		return err
	})
	return out, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
