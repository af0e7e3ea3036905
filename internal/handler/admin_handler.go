package handler

import (
	"net/http"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Admin: wallet credits, ledger audit, user suspension
// ============================================================

func adminCreditHandler(walletSvc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/wallets/{ownerId}/credit")
		defer span.End()

		var body domain.CreditBody
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

		admin := PrincipalFromContext(ctx)
		ownerID := chi.URLParam(r, "ownerId")
		tx, err := walletSvc.Credit(ctx, &domain.CreditRequest{
			OwnerID:        ownerID,
			AmountPaise:    amount,
			ReferenceType:  body.ReferenceType,
			Description:    body.Description,
			Metadata:       body.Metadata,
			IdempotencyKey: key,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		logger.Info("admin: wallet credited",
			zap.String("admin_id", admin.UserID),
			zap.String("owner_id", ownerID),
			zap.String("transaction_id", tx.ID),
		)
		writeJSON(w, http.StatusOK, domain.TransactionResponse{Success: true, Transaction: tx})
	}
}

func adminAuditHandler(walletSvc *service.WalletService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/admin/wallets/{ownerId}/audit")
		defer span.End()

		audit, err := walletSvc.Audit(ctx, chi.URLParam(r, "ownerId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, audit)
	}
}

func adminSuspendHandler(authSvc *service.AuthService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/admin/users/{userId}/suspend")
		defer span.End()

		admin := PrincipalFromContext(ctx)
		userID := chi.URLParam(r, "userId")
		if err := authSvc.SuspendUser(ctx, admin.UserID, userID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Success: true, Message: "User suspended", ID: userID})
	}
}
