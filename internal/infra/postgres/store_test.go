package postgres_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/postgres"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newStore connects to DATABASE_URL and applies migrations. Tests using it
// are skipped when no database is configured.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, url, zap.NewNop())
	require.NoError(t, err, "database open must succeed; check DATABASE_URL")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.Migrate(db), "migrations must run successfully")
	return postgres.NewStore(db, zap.NewNop())
}

func randomPhone() string {
	return fmt.Sprintf("9%09d", rand.Int63n(1_000_000_000))
}

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
			Metadata:       map[string]any{"source": "store_test"},
			CreatedAt:      time.Now().UTC(),
		},
	}
}

func TestStore_UserAndWalletProvisioning(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	phone := randomPhone()

	u1, err := s.GetOrCreateUserByPhone(ctx, phone)
	require.NoError(t, err)
	u2, err := s.GetOrCreateUserByPhone(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, domain.RoleCustomer, u1.Role)

	w, err := s.GetWalletByOwner(ctx, u1.ID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Zero(t, w.BalancePaise)

	require.NoError(t, s.SuspendUser(ctx, u1.ID))
	got, err := s.GetUserByID(ctx, u1.ID)
	require.NoError(t, err)
	assert.True(t, got.Suspended)

	missing, err := s.GetUserByID(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_ApplyMutation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	u, err := s.GetOrCreateUserByPhone(ctx, randomPhone())
	require.NoError(t, err)
	w, err := s.GetWalletByOwner(ctx, u.ID)
	require.NoError(t, err)

	tx, err := s.ApplyMutation(ctx, mutation(w, 0, 5000, "k1"))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), tx.BalanceAfterPaise)

	_, err = s.ApplyMutation(ctx, mutation(w, 0, 100, ""))
	var conflict *domain.ErrConcurrency
	require.ErrorAs(t, err, &conflict, "stale expected balance must lose")

	_, err = s.ApplyMutation(ctx, mutation(w, 5000, 6000, "k1"))
	var dup *domain.ErrDuplicate
	require.ErrorAs(t, err, &dup)

	got, err := s.GetWalletByOwner(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.BalancePaise, "a rejected entry must roll back its balance write")

	found, err := s.FindTransactionByIdempotencyKey(ctx, w.ID, "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tx.ID, found.ID)
	assert.Equal(t, "store_test", found.Metadata["source"])

	_, err = s.ApplyMutation(ctx, mutation(w, 5000, 3000, ""))
	require.NoError(t, err)

	all, err := s.ListAllTransactions(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	final, bad, err := domain.ReplayLedger(0, all)
	require.NoError(t, err)
	assert.Nil(t, bad)
	assert.Equal(t, int64(3000), final)

	recent, err := s.ListTransactions(ctx, w.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.TransactionDebit, recent[0].Type)
}

func TestStore_IssueOTPSerialisesPerPhone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	phone := randomPhone()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IssueOTP(ctx, phone, now.Add(-time.Hour), func(recent []domain.OTPRecord) (*domain.OTPRecord, error) {
				if len(recent) > 0 {
					return nil, &domain.ErrRateLimited{Message: "wait"}
				}
				return &domain.OTPRecord{Phone: phone, OTPHash: "h", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}, nil
			})
		}()
	}
	wg.Wait()

	rec, err := s.GetLatestActiveOTP(ctx, phone, now)
	require.NoError(t, err)
	require.NotNil(t, rec)

	var seen []domain.OTPRecord
	_, err = s.IssueOTP(ctx, phone, now.Add(-time.Hour), func(recent []domain.OTPRecord) (*domain.OTPRecord, error) {
		seen = recent
		return nil, nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 1)

	n, err := s.IncrementOTPAttempts(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.MarkOTPUsed(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkOTPUsed(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
