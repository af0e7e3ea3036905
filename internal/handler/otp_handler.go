package handler

import (
	"encoding/json"
	"net/http"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// OTP login: POST /v1/auth/otp/{request,verify}
// ============================================================

func otpRequestHandler(otpSvc *service.OTPService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/otp/request")
		defer span.End()

		var req domain.OTPRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if _, err := otpSvc.RequestOTP(ctx, req.Phone); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		// Delivery status is deliberately not part of the response.
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Success: true})
	}
}

func otpVerifyHandler(otpSvc *service.OTPService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/otp/verify")
		defer span.End()

		var req domain.OTPVerifyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		session, err := otpSvc.VerifyOTP(ctx, req.Phone, req.Code)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, session)
	}
}
