package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var walletTracer = otel.Tracer("service/wallet")

// MaxListPage bounds ListTransactions paging so the row offset stays small
// enough for every store backend.
const MaxListPage = math.MaxInt32 / 100

// WalletConfig carries the wallet service's tunables. Retry bounds the
// automatic retries after a lost compare-and-swap.
type WalletConfig struct {
	StoreTimeout time.Duration
	Retry        resilience.Config
}

// WalletService applies debits and credits to wallets. Every mutation reads
// fresh state, writes with a compare-and-swap on the balance, and appends
// its ledger entry in the same atomic unit. Amounts are integer paise.
type WalletService struct {
	store   port.WalletStore
	cfg     WalletConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewWalletService creates a WalletService.
func NewWalletService(store port.WalletStore, cfg WalletConfig, metrics *observability.Metrics, logger *zap.Logger) *WalletService {
	return &WalletService{store: store, cfg: cfg, metrics: metrics, logger: logger, now: time.Now}
}

type mutation struct {
	txType  domain.TransactionType
	ownerID string
	amount  int64
	key     string
	entry   domain.WalletTransaction
}

// ============================================================
// Debit / Credit
// ============================================================

// Debit removes req.AmountPaise from the owner's wallet.
func (s *WalletService) Debit(ctx context.Context, req *domain.DebitRequest) (*domain.WalletTransaction, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.Debit")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", req.OwnerID), attribute.Int64("amount.paise", req.AmountPaise))

	if err := validateMutation(req.OwnerID, req.AmountPaise, req.ReferenceType); err != nil {
		return nil, err
	}

	return s.apply(ctx, mutation{
		txType:  domain.TransactionDebit,
		ownerID: req.OwnerID,
		amount:  req.AmountPaise,
		key:     req.IdempotencyKey,
		entry: domain.WalletTransaction{
			Description:   req.Description,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
		},
	})
}

// Credit adds req.AmountPaise to the owner's wallet.
func (s *WalletService) Credit(ctx context.Context, req *domain.CreditRequest) (*domain.WalletTransaction, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.Credit")
	defer span.End()
	span.SetAttributes(attribute.String("owner.id", req.OwnerID), attribute.Int64("amount.paise", req.AmountPaise))

	if err := validateMutation(req.OwnerID, req.AmountPaise, req.ReferenceType); err != nil {
		return nil, err
	}

	return s.apply(ctx, mutation{
		txType:  domain.TransactionCredit,
		ownerID: req.OwnerID,
		amount:  req.AmountPaise,
		key:     req.IdempotencyKey,
		entry: domain.WalletTransaction{
			Description:   req.Description,
			ReferenceType: req.ReferenceType,
			Metadata:      req.Metadata,
		},
	})
}

func validateMutation(ownerID string, amount int64, referenceType string) error {
	if ownerID == "" {
		return &domain.ErrValidation{Field: "ownerId", Message: "Wallet owner is required"}
	}
	if amount <= 0 {
		return &domain.ErrValidation{Field: "amount", Message: "Amount must be greater than zero"}
	}
	if referenceType == "" {
		return &domain.ErrValidation{Field: "referenceType", Message: "Reference type is required"}
	}
	return nil
}

// apply runs attempt until it succeeds, fails with anything other than a
// lost race, or the retry budget is spent. Each attempt starts from a fresh read.
func (s *WalletService) apply(ctx context.Context, m mutation) (*domain.WalletTransaction, error) {
	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("wallet_"+string(m.txType), time.Since(start)) }()

	var result *domain.WalletTransaction
	err := resilience.RetryIf(ctx, s.cfg.Retry, isConcurrency, func() error {
		tx, err := s.attempt(ctx, m)
		if err != nil {
			if isConcurrency(err) {
				s.metrics.IncrWalletConflict()
				s.logger.Debug("wallet: lost balance race, retrying", zap.String("owner_id", m.ownerID))
			}
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		s.metrics.IncrWalletMutation(string(m.txType), outcomeOf(err))
		return nil, s.classify(err, m)
	}

	s.metrics.IncrWalletMutation(string(m.txType), "applied")
	s.logger.Info("wallet: mutation applied",
		zap.String("type", string(m.txType)),
		zap.String("owner_id", m.ownerID),
		zap.String("wallet_id", result.WalletID),
		zap.String("transaction_id", result.ID),
		zap.Int64("amount_paise", result.AmountPaise),
		zap.Int64("balance_after_paise", result.BalanceAfterPaise),
	)
	return result, nil
}

func (s *WalletService) attempt(ctx context.Context, m mutation) (*domain.WalletTransaction, error) {
	wallet, err := s.walletByOwner(ctx, m.ownerID)
	if err != nil {
		return nil, err
	}

	if m.key != "" {
		if existing, err := s.findByKey(ctx, wallet.ID, m.key); err != nil || existing != nil {
			if err != nil {
				return nil, err
			}
			return replayed(existing, m)
		}
	}

	var newBalance int64
	switch m.txType {
	case domain.TransactionDebit:
		if wallet.BalancePaise < m.amount {
			return nil, &domain.ErrInsufficientFunds{Available: wallet.BalancePaise, Required: m.amount}
		}
		newBalance = wallet.BalancePaise - m.amount
	default:
		if wallet.BalancePaise > math.MaxInt64-m.amount {
			return nil, &domain.ErrValidation{Field: "amount", Message: "Amount is too large"}
		}
		newBalance = wallet.BalancePaise + m.amount
	}

	entry := m.entry
	entry.WalletID = wallet.ID
	entry.Type = m.txType
	entry.AmountPaise = m.amount
	entry.BalanceAfterPaise = newBalance
	entry.IdempotencyKey = m.key
	entry.CreatedAt = s.now().UTC()

	// Once the write starts it runs to completion even if the caller disconnects.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	tx, err := s.store.ApplyMutation(writeCtx, &domain.LedgerMutation{
		WalletID:        wallet.ID,
		ExpectedBalance: wallet.BalancePaise,
		NewBalance:      newBalance,
		Entry:           entry,
	})
	if err != nil {
		var dup *domain.ErrDuplicate
		if m.key != "" && errors.As(err, &dup) {
			// A concurrent request with the same key won; hand back its result.
			existing, ferr := s.findByKey(ctx, wallet.ID, m.key)
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				return replayed(existing, m)
			}
		}
		return nil, err
	}
	return tx, nil
}

// replayed returns the stored result of an earlier request with the same
// idempotency key, provided it describes the same mutation.
func replayed(existing *domain.WalletTransaction, m mutation) (*domain.WalletTransaction, error) {
	if existing.Type != m.txType || existing.AmountPaise != m.amount {
		return nil, &domain.ErrDuplicate{Key: m.key}
	}
	return existing, nil
}

func (s *WalletService) classify(err error, m mutation) error {
	var (
		validation   *domain.ErrValidation
		notFound     *domain.ErrNotFound
		insufficient *domain.ErrInsufficientFunds
		conflict     *domain.ErrConcurrency
		duplicate    *domain.ErrDuplicate
		external     *domain.ErrExternalService
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &notFound), errors.As(err, &duplicate):
		return err
	case errors.As(err, &insufficient):
		s.logger.Info("wallet: insufficient funds",
			zap.String("owner_id", m.ownerID),
			zap.Int64("available_paise", insufficient.Available),
			zap.Int64("required_paise", insufficient.Required),
		)
		return err
	case errors.As(err, &conflict):
		s.logger.Warn("wallet: retries exhausted on balance race", zap.String("owner_id", m.ownerID))
		return err
	case errors.As(err, &external):
		return err
	default:
		s.metrics.IncrExternalError("wallet-store")
		s.logger.Error("wallet: store failure", zap.String("owner_id", m.ownerID), zap.Error(err))
		return &domain.ErrExternalService{Service: "wallet-store", Err: err}
	}
}

func isConcurrency(err error) bool {
	var conflict *domain.ErrConcurrency
	return errors.As(err, &conflict)
}

func outcomeOf(err error) string {
	var (
		insufficient *domain.ErrInsufficientFunds
		notFound     *domain.ErrNotFound
		validation   *domain.ErrValidation
		duplicate    *domain.ErrDuplicate
	)
	switch {
	case errors.As(err, &insufficient):
		return "insufficient_funds"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &duplicate):
		return "duplicate"
	case isConcurrency(err):
		return "conflict"
	default:
		return "error"
	}
}

// ============================================================
// Reads
// ============================================================

// GetSummary returns the owner's wallet and its newest transactions.
func (s *WalletService) GetSummary(ctx context.Context, ownerID string, recent int) (*domain.WalletSummary, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.GetSummary")
	defer span.End()

	wallet, err := s.walletByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.classify(err, mutation{ownerID: ownerID})
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	txs, err := s.store.ListTransactions(readCtx, wallet.ID, recent, 0)
	if err != nil {
		return nil, s.classify(err, mutation{ownerID: ownerID})
	}
	if txs == nil {
		txs = []domain.WalletTransaction{}
	}

	return &domain.WalletSummary{
		Wallet:       wallet,
		Recent:       txs,
		BalanceRupee: domain.PaiseToRupees(wallet.BalancePaise),
	}, nil
}

// ListTransactions pages through the owner's ledger, newest first.
func (s *WalletService) ListTransactions(ctx context.Context, ownerID string, page, pageSize int) (*domain.ListResponse[domain.WalletTransaction], error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.ListTransactions")
	defer span.End()

	if page < 1 || page > MaxListPage {
		return nil, &domain.ErrValidation{Field: "page", Message: "Page is out of range"}
	}
	if pageSize < 1 || pageSize > 100 {
		return nil, &domain.ErrValidation{Field: "page_size", Message: "Page size must be between 1 and 100"}
	}

	wallet, err := s.walletByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.classify(err, mutation{ownerID: ownerID})
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	txs, err := s.store.ListTransactions(readCtx, wallet.ID, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return nil, s.classify(err, mutation{ownerID: ownerID})
	}

	hasMore := len(txs) > pageSize
	if hasMore {
		txs = txs[:pageSize]
	}
	if txs == nil {
		txs = []domain.WalletTransaction{}
	}
	return &domain.ListResponse[domain.WalletTransaction]{
		Data:     txs,
		Page:     page,
		PageSize: pageSize,
		HasMore:  hasMore,
	}, nil
}

// Audit replays the owner's full ledger and checks it against the wallet row.
// A write landing between the two reads is tolerated by reading once more.
func (s *WalletService) Audit(ctx context.Context, ownerID string) (*domain.LedgerAudit, error) {
	ctx, span := walletTracer.Start(ctx, "WalletService.Audit")
	defer span.End()

	var audit *domain.LedgerAudit
	for i := 0; i < 2; i++ {
		a, err := s.auditOnce(ctx, ownerID)
		if err != nil {
			return nil, s.classify(err, mutation{ownerID: ownerID})
		}
		audit = a
		if a.Consistent {
			break
		}
	}

	if !audit.Consistent {
		s.logger.Error("wallet: ledger audit mismatch",
			zap.String("owner_id", ownerID),
			zap.String("wallet_id", audit.WalletID),
			zap.String("detail", audit.Detail),
		)
	}
	return audit, nil
}

func (s *WalletService) auditOnce(ctx context.Context, ownerID string) (*domain.LedgerAudit, error) {
	wallet, err := s.walletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	txs, err := s.store.ListAllTransactions(readCtx, wallet.ID)
	if err != nil {
		return nil, err
	}

	opening := wallet.BalancePaise
	if len(txs) > 0 {
		opening = domain.OpeningBalance(txs)
	}
	final, bad, replayErr := domain.ReplayLedger(opening, txs)

	audit := &domain.LedgerAudit{
		WalletID:      wallet.ID,
		OwnerID:       ownerID,
		Transactions:  len(txs),
		OpeningPaise:  opening,
		ReplayedPaise: final,
		WalletPaise:   wallet.BalancePaise,
		Consistent:    replayErr == nil && final == wallet.BalancePaise,
	}
	switch {
	case replayErr != nil:
		audit.FirstMismatchTxID = bad.ID
		audit.Detail = replayErr.Error()
	case final != wallet.BalancePaise:
		audit.Detail = "replayed balance differs from wallet balance"
	}
	return audit, nil
}

func (s *WalletService) walletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	wallet, err := s.store.GetWalletByOwner(readCtx, ownerID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, &domain.ErrNotFound{Resource: "wallet", ID: ownerID}
	}
	return wallet, nil
}

func (s *WalletService) findByKey(ctx context.Context, walletID, key string) (*domain.WalletTransaction, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.FindTransactionByIdempotencyKey(readCtx, walletID, key)
}
