package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var otpTracer = otel.Tracer("service/otp")

const (
	otpTTL            = 5 * time.Minute
	rateWindow        = 10 * time.Minute
	maxPerWindow      = 3
	resendCooldown    = 60 * time.Second
	maxVerifyAttempts = 5

	msgInvalidPhone    = "Invalid phone number. Must be 10 digits."
	msgTooManyAttempts = "Too many attempts. Please try again later."
	msgInvalidCodeFmt  = "OTP must be 6 digits."
)

// OTPMessage renders the registered SMS template. The text is registered
// with the regional SMS regulator and must not change byte for byte.
func OTPMessage(code string) string {
	return code + " is your GiftVault login OTP. It is valid for 5 minutes. Do not share it with anyone."
}

// OTPConfig carries the OTP service's tunables.
type OTPConfig struct {
	CountryCode  string
	StoreTimeout time.Duration
	SMSTimeout   time.Duration
}

// OTPService issues and verifies phone one-time passcodes.
type OTPService struct {
	store   port.OTPStore
	users   port.UserStore
	sms     port.SMSSender
	hasher  *CodeHasher
	tokens  *TokenIssuer
	cfg     OTPConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	now    func() time.Time
	random io.Reader
}

// NewOTPService creates an OTPService.
func NewOTPService(store port.OTPStore, users port.UserStore, sms port.SMSSender, hasher *CodeHasher,
	tokens *TokenIssuer, cfg OTPConfig, metrics *observability.Metrics, logger *zap.Logger) *OTPService {
	return &OTPService{
		store:   store,
		users:   users,
		sms:     sms,
		hasher:  hasher,
		tokens:  tokens,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *OTPService) WithClock(now func() time.Time) *OTPService {
	s.now = now
	return s
}

// WithRandom replaces the code entropy source. Intended for tests.
func (s *OTPService) WithRandom(r io.Reader) *OTPService {
	s.random = r
	return s
}

// ============================================================
// Issuance: POST /v1/auth/otp/request
// ============================================================

// RequestOTP validates and rate-limits the phone, stores a hashed code and
// sends it by SMS. SMS failures do not fail the call.
func (s *OTPService) RequestOTP(ctx context.Context, rawPhone string) (*domain.OTPIssue, error) {
	ctx, span := otpTracer.Start(ctx, "OTPService.RequestOTP")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("otp_request", time.Since(start)) }()

	phone := NormalizePhone(rawPhone)
	if !ValidPhone(phone) {
		s.metrics.IncrOTPRequest("invalid")
		return nil, &domain.ErrValidation{Field: "phone", Message: msgInvalidPhone}
	}
	span.SetAttributes(attribute.String("phone.masked", observability.MaskPhone(phone)))

	now := s.now()
	var code string

	// The write is not abandoned if the caller goes away mid-request.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	record, err := s.store.IssueOTP(storeCtx, phone, now.Add(-rateWindow), func(recent []domain.OTPRecord) (*domain.OTPRecord, error) {
		if err := checkIssueGates(recent, now); err != nil {
			return nil, err
		}
		c, err := GenerateCode(s.random)
		if err != nil {
			return nil, err
		}
		code = c
		return &domain.OTPRecord{
			Phone:     phone,
			OTPHash:   s.hasher.Hash(phone, c),
			CreatedAt: now,
			ExpiresAt: now.Add(otpTTL),
		}, nil
	})
	if err != nil {
		var limited *domain.ErrRateLimited
		if errors.As(err, &limited) {
			s.metrics.IncrOTPRequest("rate_limited")
			s.logger.Info("otp: rate limited",
				observability.Phone(phone),
				zap.Duration("retry_after", limited.RetryAfter),
			)
			return nil, limited
		}
		s.metrics.IncrOTPRequest("error")
		s.metrics.IncrExternalError("otp-store")
		s.logger.Error("otp: failed to persist code", observability.Phone(phone), zap.Error(err))
		return nil, &domain.ErrExternalService{Service: "otp-store", Err: err}
	}

	delivery := s.dispatchBestEffort(ctx, phone, code)

	s.metrics.IncrOTPRequest("issued")
	s.logger.Info("otp: issued",
		observability.Phone(phone),
		zap.String("otp_id", record.ID),
		zap.String("delivery", string(delivery)),
	)

	return &domain.OTPIssue{Phone: phone, ExpiresAt: record.ExpiresAt, Delivery: delivery}, nil
}

// checkIssueGates applies the volume gate, then the cooldown gate, to the
// phone's records in the trailing window (newest first).
func checkIssueGates(recent []domain.OTPRecord, now time.Time) error {
	if len(recent) >= maxPerWindow {
		// The gate reopens when the maxPerWindow-th newest record ages out.
		retry := recent[maxPerWindow-1].CreatedAt.Add(rateWindow).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return &domain.ErrRateLimited{Message: msgTooManyAttempts, RetryAfter: retry}
	}
	if len(recent) == 0 {
		return nil
	}

	age := now.Sub(recent[0].CreatedAt)
	if age >= resendCooldown {
		return nil
	}
	wait := cooldownSeconds(resendCooldown - age)
	return &domain.ErrRateLimited{
		Message:    fmt.Sprintf("Please wait %d seconds before retrying.", wait),
		RetryAfter: time.Duration(wait) * time.Second,
	}
}

// cooldownSeconds rounds remaining up to whole seconds, within [1, 60].
func cooldownSeconds(remaining time.Duration) int {
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	if limit := int(resendCooldown / time.Second); secs > limit {
		return limit
	}
	return secs
}

// dispatchBestEffort is the fire-and-forget SMS path. The code is already
// stored, so a provider failure is logged with the provider's response and
// counted, and issuance still reports success.
func (s *OTPService) dispatchBestEffort(ctx context.Context, phone, code string) domain.DeliveryStatus {
	ctx, span := otpTracer.Start(ctx, "OTPService.dispatchBestEffort")
	defer span.End()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SMSTimeout)
	defer cancel()

	to := s.cfg.CountryCode + phone
	res, err := s.sms.Send(ctx, to, OTPMessage(code))
	if err == nil && res != nil && res.Success {
		s.metrics.IncrSMSDispatch("sent")
		s.logger.Debug("otp: sms dispatched", observability.Phone(phone), zap.String("message_id", res.MessageID))
		return domain.DeliverySent
	}

	fields := []zap.Field{observability.Phone(phone)}
	if res != nil {
		fields = append(fields, zap.String("provider_response", res.Error))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.metrics.IncrSMSDispatch("failed")
	s.metrics.IncrExternalError("sms")
	s.logger.Warn("otp: sms dispatch failed, issuance still succeeds", fields...)
	span.SetAttributes(attribute.Bool("sms.failed", true))
	return domain.DeliveryFailed
}

// ============================================================
// Verification: POST /v1/auth/otp/verify
// ============================================================

// VerifyOTP consumes the newest active code for the phone and issues an
// access token for the (possibly new) user.
func (s *OTPService) VerifyOTP(ctx context.Context, rawPhone, code string) (*domain.Session, error) {
	ctx, span := otpTracer.Start(ctx, "OTPService.VerifyOTP")
	defer span.End()

	phone := NormalizePhone(rawPhone)
	if !ValidPhone(phone) {
		return nil, &domain.ErrValidation{Field: "phone", Message: msgInvalidPhone}
	}
	if !validCode(code) {
		return nil, &domain.ErrValidation{Field: "code", Message: msgInvalidCodeFmt}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()

	rec, err := s.store.GetLatestActiveOTP(ctx, phone, s.now())
	if err != nil {
		return nil, s.storeFailure("get otp", phone, err)
	}
	if rec == nil || rec.Attempts >= maxVerifyAttempts {
		return nil, &domain.ErrInvalidCode{}
	}

	attempts, err := s.store.IncrementOTPAttempts(ctx, rec.ID)
	if err != nil {
		return nil, s.storeFailure("increment attempts", phone, err)
	}
	if attempts > maxVerifyAttempts {
		return nil, &domain.ErrInvalidCode{}
	}

	if !s.hasher.Verify(phone, code, rec.OTPHash) {
		s.logger.Warn("otp: wrong code", observability.Phone(phone), zap.Int("attempts", attempts))
		return nil, &domain.ErrInvalidCode{}
	}

	consumed, err := s.store.MarkOTPUsed(ctx, rec.ID)
	if err != nil {
		return nil, s.storeFailure("mark used", phone, err)
	}
	if !consumed {
		return nil, &domain.ErrInvalidCode{}
	}

	user, err := s.users.GetOrCreateUserByPhone(ctx, phone)
	if err != nil {
		return nil, s.storeFailure("get or create user", phone, err)
	}
	if user.Suspended {
		s.logger.Warn("otp: suspended user login refused", zap.String("user_id", user.ID))
		return nil, &domain.ErrForbidden{Action: "login"}
	}

	token, err := s.tokens.Sign(user)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	s.logger.Info("otp: verified", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return &domain.Session{
		Success:     true,
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokens.TTL().Seconds()),
		User:        user,
	}, nil
}

func (s *OTPService) storeFailure(op, phone string, err error) error {
	s.metrics.IncrExternalError("otp-store")
	s.logger.Error("otp: store failure", zap.String("op", op), observability.Phone(phone), zap.Error(err))
	return &domain.ErrExternalService{Service: "otp-store", Err: fmt.Errorf("%s: %w", op, err)}
}
