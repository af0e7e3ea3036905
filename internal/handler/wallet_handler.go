package handler

import (
	"net/http"
	"strconv"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Wallet: the caller's own wallet
// ============================================================

const (
	recentTransactions   = 10
	idempotencyHeader    = "Idempotency-Key"
	maxIdempotencyKeyLen = 128
)

func getWalletHandler(walletSvc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/wallet")
		defer span.End()

		p := PrincipalFromContext(ctx)
		summary, err := walletSvc.GetSummary(ctx, p.UserID, recentTransactions)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func listWalletTransactionsHandler(walletSvc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/wallet/transactions")
		defer span.End()

		page, pageSize := parsePagination(r)
		span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

		p := PrincipalFromContext(ctx)
		list, err := walletSvc.ListTransactions(ctx, p.UserID, page, pageSize)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func walletDebitHandler(walletSvc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/wallet/debit")
		defer span.End()

		var body domain.DebitBody
		if err := decodeAndValidate(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount, err := amountPaise(body.Amount, body.AmountPaise)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		key, err := idempotencyKey(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		p := PrincipalFromContext(ctx)
		tx, err := walletSvc.Debit(ctx, &domain.DebitRequest{
			OwnerID:        p.UserID,
			AmountPaise:    amount,
			ReferenceID:    body.ReferenceID,
			ReferenceType:  body.ReferenceType,
			Description:    body.Description,
			IdempotencyKey: key,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, domain.TransactionResponse{Success: true, Transaction: tx})
	}
}

// amountPaise resolves the request amount. Rupees take precedence when both are sent.
func amountPaise(rupees *decimal.Decimal, paise *int64) (int64, error) {
	if rupees != nil {
		return domain.RupeesToPaise(*rupees)
	}
	if paise == nil || *paise <= 0 {
		return 0, &domain.ErrValidation{Field: "amount", Message: "Amount must be greater than zero"}
	}
	return *paise, nil
}

func idempotencyKey(r *http.Request) (string, error) {
	key := r.Header.Get(idempotencyHeader)
	if len(key) > maxIdempotencyKeyLen {
		return "", &domain.ErrValidation{
			Field:   idempotencyHeader,
			Message: idempotencyHeader + " must be at most " + strconv.Itoa(maxIdempotencyKeyLen) + " characters",
		}
	}
	return key, nil
}
