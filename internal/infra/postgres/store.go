package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

const (
	uniqueViolation     = "23505"
	idempotencyKeyIndex = "wallet_transactions_idempotency_key"
	otpColumns          = `id, phone, otp_hash, created_at, expires_at, attempts, is_used`
	walletColumns       = `id, owner_id, owner_type, balance_paise, updated_at`
	userColumns         = `id, phone, role, suspended, created_at`
	transactionColumns  = `id, wallet_id, type, amount_paise, balance_after_paise, description, reference_type,
		COALESCE(reference_id, '') AS reference_id, COALESCE(idempotency_key, '') AS idempotency_key, metadata, created_at`
)

var _ port.Store = (*Store)(nil)

// Store implements port.Store on PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a Store over an open connection pool.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================
// OTP
// ============================================================

// IssueOTP serialises issuance per phone with a transaction-scoped advisory
// lock, so concurrent requests for one phone see each other's inserts.
func (s *Store) IssueOTP(ctx context.Context, phone string, since time.Time, issue port.IssueFunc) (*domain.OTPRecord, error) {
	ctx, span := tracer.Start(ctx, "Postgres.IssueOTP")
	defer span.End()

	var out *domain.OTPRecord
	err := withTx(ctx, s.db, s.logger, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, phone); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var recent []domain.OTPRecord
		err := tx.SelectContext(ctx, &recent, `
			SELECT `+otpColumns+`
			FROM otp_codes
			WHERE phone = $1 AND created_at >= $2
			ORDER BY created_at DESC`, phone, since)
		if err != nil {
			return fmt.Errorf("select recent otps: %w", err)
		}

		rec, err := issue(recent)
		if err != nil || rec == nil {
			return err
		}

		rec.ID = uuid.NewString()
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO otp_codes (id, phone, otp_hash, created_at, expires_at)
			VALUES (:id, :phone, :otp_hash, :created_at, :expires_at)`, rec); err != nil {
			return fmt.Errorf("insert otp: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetLatestActiveOTP(ctx context.Context, phone string, now time.Time) (*domain.OTPRecord, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetLatestActiveOTP")
	defer span.End()

	var rec domain.OTPRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT `+otpColumns+`
		FROM otp_codes
		WHERE phone = $1 AND is_used = false AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`, phone, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select active otp: %w", err)
	}
	return &rec, nil
}

func (s *Store) IncrementOTPAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowxContext(ctx, `
		UPDATE otp_codes SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &domain.ErrNotFound{Resource: "otp", ID: id}
	}
	if err != nil {
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	return attempts, nil
}

func (s *Store) MarkOTPUsed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE otp_codes SET is_used = true WHERE id = $1 AND is_used = false`, id)
	if err != nil {
		return false, fmt.Errorf("mark otp used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ============================================================
// Users
// ============================================================

// GetOrCreateUserByPhone inserts a customer and its empty wallet on first login.
func (s *Store) GetOrCreateUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetOrCreateUserByPhone")
	defer span.End()

	var user domain.User
	err := withTx(ctx, s.db, s.logger, func(tx *sqlx.Tx) error {
		id := uuid.NewString()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, phone, role) VALUES ($1, $2, 'customer')
			ON CONFLICT (phone) DO NOTHING`, id, phone)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO wallets (id, owner_id, owner_type) VALUES ($1, $2, 'customer')
				ON CONFLICT (owner_id) DO NOTHING`, uuid.NewString(), id); err != nil {
				return fmt.Errorf("provision wallet: %w", err)
			}
		}
		if err := tx.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone); err != nil {
			return fmt.Errorf("select user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	var user domain.User
	err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &user, nil
}

func (s *Store) SuspendUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET suspended = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("suspend user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.ErrNotFound{Resource: "user", ID: id}
	}
	return nil
}

// ============================================================
// Wallets
// ============================================================

// transactionRow mirrors wallet_transactions; metadata is raw jsonb.
type transactionRow struct {
	ID                string    `db:"id"`
	WalletID          string    `db:"wallet_id"`
	Type              string    `db:"type"`
	AmountPaise       int64     `db:"amount_paise"`
	BalanceAfterPaise int64     `db:"balance_after_paise"`
	Description       string    `db:"description"`
	ReferenceType     string    `db:"reference_type"`
	ReferenceID       string    `db:"reference_id"`
	IdempotencyKey    string    `db:"idempotency_key"`
	Metadata          []byte    `db:"metadata"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r *transactionRow) toDomain() (domain.WalletTransaction, error) {
	tx := domain.WalletTransaction{
		ID:                r.ID,
		WalletID:          r.WalletID,
		Type:              domain.TransactionType(r.Type),
		AmountPaise:       r.AmountPaise,
		BalanceAfterPaise: r.BalanceAfterPaise,
		Description:       r.Description,
		ReferenceType:     r.ReferenceType,
		ReferenceID:       r.ReferenceID,
		IdempotencyKey:    r.IdempotencyKey,
		CreatedAt:         r.CreatedAt,
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "{}" {
		if err := json.Unmarshal(r.Metadata, &tx.Metadata); err != nil {
			return tx, fmt.Errorf("decode metadata of transaction %s: %w", r.ID, err)
		}
	}
	return tx, nil
}

func (s *Store) GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetWalletByOwner")
	defer span.End()
	return getWalletByOwner(ctx, s.db, ownerID)
}

func getWalletByOwner(ctx context.Context, q DBExecutor, ownerID string) (*domain.Wallet, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return nil, nil
	}
	var w domain.Wallet
	err := q.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select wallet: %w", err)
	}
	return &w, nil
}

// ApplyMutation writes the new balance only if it still equals the expected
// one, then appends the ledger entry, in a single transaction.
func (s *Store) ApplyMutation(ctx context.Context, m *domain.LedgerMutation) (*domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ApplyMutation")
	defer span.End()
	span.SetAttributes(attribute.String("wallet.id", m.WalletID), attribute.String("tx.type", string(m.Entry.Type)))

	var out domain.WalletTransaction
	err := withTx(ctx, s.db, s.logger, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance_paise = $1, updated_at = $2
			WHERE id = $3 AND balance_paise = $4`,
			m.NewBalance, m.Entry.CreatedAt, m.WalletID, m.ExpectedBalance)
		if err != nil {
			return fmt.Errorf("update wallet balance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return &domain.ErrConcurrency{WalletID: m.WalletID}
		}

		meta := []byte("{}")
		if len(m.Entry.Metadata) > 0 {
			if meta, err = json.Marshal(m.Entry.Metadata); err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
		}

		out = m.Entry
		out.ID = uuid.NewString()
		out.WalletID = m.WalletID
		out.BalanceAfterPaise = m.NewBalance

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions
				(id, wallet_id, type, amount_paise, balance_after_paise, description,
				 reference_type, reference_id, idempotency_key, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11)`,
			out.ID, out.WalletID, out.Type, out.AmountPaise, out.BalanceAfterPaise, out.Description,
			out.ReferenceType, out.ReferenceID, out.IdempotencyKey, string(meta), out.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == idempotencyKeyIndex {
				return &domain.ErrDuplicate{Key: out.IdempotencyKey}
			}
			return fmt.Errorf("insert wallet transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, walletID, key string) (*domain.WalletTransaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1 AND idempotency_key = $2`, walletID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select transaction by key: %w", err)
	}
	tx, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListTransactions")
	defer span.End()
	return selectTransactions(ctx, s.db, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, walletID, limit, offset)
}

func (s *Store) ListAllTransactions(ctx context.Context, walletID string) ([]domain.WalletTransaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListAllTransactions")
	defer span.End()
	return selectTransactions(ctx, s.db, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY seq ASC`, walletID)
}

func selectTransactions(ctx context.Context, q DBExecutor, query string, args ...any) ([]domain.WalletTransaction, error) {
	var rows []transactionRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	out := make([]domain.WalletTransaction, len(rows))
	for i := range rows {
		tx, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = tx
	}
	return out, nil
}
