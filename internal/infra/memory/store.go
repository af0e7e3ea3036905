// Package memory is a process-local store for development and tests. It keeps
// the same compare-and-swap and uniqueness rules as the SQL backends so that
// concurrent callers observe the same conflicts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"github.com/google/uuid"
)

var _ port.Store = (*Store)(nil)

// Store implements port.Store with mutex-guarded maps.
type Store struct {
	mu sync.Mutex

	otps         []domain.OTPRecord
	users        map[string]*domain.User // by id
	usersByPhone map[string]string
	wallets      map[string]*domain.Wallet // by owner id
	txs          map[string][]domain.WalletTransaction // by wallet id, append order

	// FailOTPInsert makes IssueOTP fail after the gates pass. For tests.
	FailOTPInsert error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:        make(map[string]*domain.User),
		usersByPhone: make(map[string]string),
		wallets:      make(map[string]*domain.Wallet),
		txs:          make(map[string][]domain.WalletTransaction),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ============================================================
// OTP
// ============================================================

func (s *Store) IssueOTP(ctx context.Context, phone string, since time.Time, issue port.IssueFunc) (*domain.OTPRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var recent []domain.OTPRecord
	for _, r := range s.otps {
		if r.Phone == phone && !r.CreatedAt.Before(since) {
			recent = append(recent, r)
		}
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.After(recent[j].CreatedAt) })

	rec, err := issue(recent)
	if err != nil || rec == nil {
		return nil, err
	}
	if s.FailOTPInsert != nil {
		return nil, s.FailOTPInsert
	}

	rec.ID = uuid.NewString()
	s.otps = append(s.otps, *rec)
	out := *rec
	return &out, nil
}

func (s *Store) GetLatestActiveOTP(_ context.Context, phone string, now time.Time) (*domain.OTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.OTPRecord
	for i := range s.otps {
		r := &s.otps[i]
		if r.Phone != phone || !r.Active(now) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (s *Store) IncrementOTPAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.otps {
		if s.otps[i].ID == id {
			s.otps[i].Attempts++
			return s.otps[i].Attempts, nil
		}
	}
	return 0, &domain.ErrNotFound{Resource: "otp", ID: id}
}

func (s *Store) MarkOTPUsed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.otps {
		if s.otps[i].ID == id {
			if s.otps[i].IsUsed {
				return false, nil
			}
			s.otps[i].IsUsed = true
			return true, nil
		}
	}
	return false, nil
}

// OTPRecords returns a copy of every stored OTP for phone, oldest first.
func (s *Store) OTPRecords(phone string) []domain.OTPRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.OTPRecord
	for _, r := range s.otps {
		if r.Phone == phone {
			out = append(out, r)
		}
	}
	return out
}

// ============================================================
// Users
// ============================================================

func (s *Store) GetOrCreateUserByPhone(_ context.Context, phone string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByPhone[phone]; ok {
		u := *s.users[id]
		return &u, nil
	}
	u := s.putUserLocked(phone, domain.RoleCustomer)
	return u, nil
}

// PutUser creates a user with an explicit role and a zero-balance wallet.
func (s *Store) PutUser(phone string, role domain.Role) *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putUserLocked(phone, role)
}

func (s *Store) putUserLocked(phone string, role domain.Role) *domain.User {
	u := &domain.User{ID: uuid.NewString(), Phone: phone, Role: role, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	s.usersByPhone[phone] = u.ID
	if role != domain.RoleAdmin {
		s.wallets[u.ID] = &domain.Wallet{ID: uuid.NewString(), OwnerID: u.ID, OwnerType: role, UpdatedAt: u.CreatedAt}
	}
	out := *u
	return &out
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (s *Store) SuspendUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return &domain.ErrNotFound{Resource: "user", ID: id}
	}
	u.Suspended = true
	return nil
}

// ============================================================
// Wallets
// ============================================================

// PutWallet creates or replaces the wallet for ownerID with a given balance
// and no ledger history.
func (s *Store) PutWallet(ownerID string, ownerType domain.Role, balance int64) *domain.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &domain.Wallet{ID: uuid.NewString(), OwnerID: ownerID, OwnerType: ownerType, BalancePaise: balance, UpdatedAt: time.Now().UTC()}
	s.wallets[ownerID] = w
	out := *w
	return &out
}

func (s *Store) GetWalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[ownerID]
	if !ok {
		return nil, nil
	}
	out := *w
	return &out, nil
}

func (s *Store) ApplyMutation(ctx context.Context, m *domain.LedgerMutation) (*domain.WalletTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.walletByIDLocked(m.WalletID)
	if w == nil {
		return nil, &domain.ErrNotFound{Resource: "wallet", ID: m.WalletID}
	}
	if w.BalancePaise != m.ExpectedBalance {
		return nil, &domain.ErrConcurrency{WalletID: m.WalletID}
	}
	if m.NewBalance < 0 {
		return nil, &domain.ErrInsufficientFunds{Available: w.BalancePaise, Required: m.Entry.AmountPaise}
	}
	if key := m.Entry.IdempotencyKey; key != "" {
		for _, t := range s.txs[m.WalletID] {
			if t.IdempotencyKey == key {
				return nil, &domain.ErrDuplicate{Key: key}
			}
		}
	}

	tx := m.Entry
	tx.ID = uuid.NewString()
	tx.WalletID = m.WalletID
	tx.BalanceAfterPaise = m.NewBalance

	w.BalancePaise = m.NewBalance
	w.UpdatedAt = tx.CreatedAt
	s.txs[m.WalletID] = append(s.txs[m.WalletID], tx)

	out := tx
	return &out, nil
}

func (s *Store) FindTransactionByIdempotencyKey(_ context.Context, walletID, key string) (*domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.txs[walletID] {
		if t.IdempotencyKey == key {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListTransactions(_ context.Context, walletID string, limit, offset int) ([]domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.txs[walletID]
	if limit <= 0 || offset < 0 || offset >= len(all) {
		return []domain.WalletTransaction{}, nil
	}
	out := make([]domain.WalletTransaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) ListAllTransactions(_ context.Context, walletID string) ([]domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.WalletTransaction(nil), s.txs[walletID]...), nil
}

// CorruptTransaction overwrites a stored entry's balance_after. For audit tests.
func (s *Store) CorruptTransaction(walletID string, index int, balanceAfter int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[walletID][index].BalanceAfterPaise = balanceAfter
}

func (s *Store) walletByIDLocked(id string) *domain.Wallet {
	for _, w := range s.wallets {
		if w.ID == id {
			return w
		}
	}
	return nil
}
