package memory_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutation(w *domain.Wallet, expected, next int64, key string) *domain.LedgerMutation {
	amount := next - expected
	typ := domain.TransactionCredit
	if amount < 0 {
		typ, amount = domain.TransactionDebit, -amount
	}
	return &domain.LedgerMutation{
		WalletID:        w.ID,
		ExpectedBalance: expected,
		NewBalance:      next,
		Entry: domain.WalletTransaction{
			Type:           typ,
			AmountPaise:    amount,
			ReferenceType:  "test",
			IdempotencyKey: key,
		},
	}
}

func TestApplyMutation_CompareAndSwap(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := s.PutWallet("owner", domain.RoleCustomer, 1000)

	tx, err := s.ApplyMutation(ctx, mutation(w, 1000, 400, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(400), tx.BalanceAfterPaise)
	assert.NotEmpty(t, tx.ID)

	_, err = s.ApplyMutation(ctx, mutation(w, 1000, 900, ""))
	var conflict *domain.ErrConcurrency
	require.ErrorAs(t, err, &conflict)

	got, _ := s.GetWalletByOwner(ctx, "owner")
	assert.Equal(t, int64(400), got.BalancePaise)
	txs, _ := s.ListAllTransactions(ctx, w.ID)
	assert.Len(t, txs, 1)
}

func TestApplyMutation_RejectsNegativeBalance(t *testing.T) {
	s := memory.New()
	w := s.PutWallet("owner", domain.RoleCustomer, 100)

	_, err := s.ApplyMutation(context.Background(), mutation(w, 100, -1, ""))
	var insufficient *domain.ErrInsufficientFunds
	assert.ErrorAs(t, err, &insufficient)
}

func TestApplyMutation_DuplicateKey(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := s.PutWallet("owner", domain.RoleCustomer, 0)

	_, err := s.ApplyMutation(ctx, mutation(w, 0, 100, "k1"))
	require.NoError(t, err)

	_, err = s.ApplyMutation(ctx, mutation(w, 100, 200, "k1"))
	var dup *domain.ErrDuplicate
	require.ErrorAs(t, err, &dup)

	found, err := s.FindTransactionByIdempotencyKey(ctx, w.ID, "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(100), found.AmountPaise)

	missing, err := s.FindTransactionByIdempotencyKey(ctx, w.ID, "k2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListTransactions_NewestFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := s.PutWallet("owner", domain.RoleCustomer, 0)

	balance := int64(0)
	for i := 1; i <= 4; i++ {
		_, err := s.ApplyMutation(ctx, mutation(w, balance, balance+int64(i), ""))
		require.NoError(t, err)
		balance += int64(i)
	}

	page, err := s.ListTransactions(ctx, w.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].AmountPaise)
	assert.Equal(t, int64(2), page[1].AmountPaise)

	all, err := s.ListAllTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(1), all[0].AmountPaise)
}

func TestIssueOTP_RecentNewestFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		_, err := s.IssueOTP(ctx, "9876543210", base.Add(-time.Hour), func([]domain.OTPRecord) (*domain.OTPRecord, error) {
			return &domain.OTPRecord{Phone: "9876543210", OTPHash: "h", CreatedAt: at, ExpiresAt: at.Add(5 * time.Minute)}, nil
		})
		require.NoError(t, err)
	}

	var seen []domain.OTPRecord
	rec, err := s.IssueOTP(ctx, "9876543210", base.Add(time.Minute), func(recent []domain.OTPRecord) (*domain.OTPRecord, error) {
		seen = recent
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.Len(t, seen, 2, "records before since are excluded")
	assert.Equal(t, base.Add(2*time.Minute), seen[0].CreatedAt)

	latest, err := s.GetLatestActiveOTP(ctx, "9876543210", base.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, base.Add(2*time.Minute), latest.CreatedAt)
}

func TestOTPAttemptsAndConsume(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	rec, err := s.IssueOTP(ctx, "9876543210", now.Add(-time.Hour), func([]domain.OTPRecord) (*domain.OTPRecord, error) {
		return &domain.OTPRecord{Phone: "9876543210", OTPHash: "h", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}, nil
	})
	require.NoError(t, err)

	n, err := s.IncrementOTPAttempts(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.MarkOTPUsed(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkOTPUsed(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	latest, err := s.GetLatestActiveOTP(ctx, "9876543210", now)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestGetOrCreateUserByPhone(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	u1, err := s.GetOrCreateUserByPhone(ctx, "9876543210")
	require.NoError(t, err)
	u2, err := s.GetOrCreateUserByPhone(ctx, "9876543210")
	require.NoError(t, err)

	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, domain.RoleCustomer, u1.Role)

	w, err := s.GetWalletByOwner(ctx, u1.ID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, domain.RoleCustomer, w.OwnerType)

	admin := s.PutUser("9000000001", domain.RoleAdmin)
	w, err = s.GetWalletByOwner(ctx, admin.ID)
	require.NoError(t, err)
	assert.Nil(t, w, "admins have no wallet")
}

func TestListTransactions_OffsetOutOfRange(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	w := s.PutWallet("owner", domain.RoleCustomer, 0)
	_, err := s.ApplyMutation(ctx, mutation(w, 0, 10, ""))
	require.NoError(t, err)

	for _, offset := range []int{-1, 1, math.MinInt} {
		page, err := s.ListTransactions(ctx, w.ID, 21, offset)
		require.NoError(t, err)
		assert.Empty(t, page, "offset %d", offset)
	}
}
