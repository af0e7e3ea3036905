package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 20
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			pageSize = ps
		}
	}
	return
}

// handleServiceError maps domain errors to HTTP responses. Store and
// provider failures are logged in full and reach the client as a generic
// message.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var circuitOpen *domain.ErrCircuitOpen
	var validation *domain.ErrValidation
	var rateLimited *domain.ErrRateLimited
	var insufficientFunds *domain.ErrInsufficientFunds
	var concurrency *domain.ErrConcurrency
	var duplicate *domain.ErrDuplicate
	var forbidden *domain.ErrForbidden
	var unauthorized *domain.ErrUnauthorized
	var invalidCode *domain.ErrInvalidCode

	switch {
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("field", validation.Field), zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &insufficientFunds):
		logger.Info("insufficient funds",
			zap.Int64("available_paise", insufficientFunds.Available),
			zap.Int64("required_paise", insufficientFunds.Required),
		)
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidCode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &concurrency):
		logger.Warn("wallet conflict not resolved by retries", zap.String("wallet_id", concurrency.WalletID))
		writeError(w, http.StatusConflict, "Wallet is busy, please retry")
	case errors.As(err, &duplicate):
		logger.Debug("duplicate operation", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, "Idempotency key was already used for a different operation")
	case errors.As(err, &unauthorized):
		logger.Debug("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("action", forbidden.Action))
		writeError(w, http.StatusForbidden, "Access denied")
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
