package service

import (
	"context"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var authTracer = otel.Tracer("service/auth")

// AuthService resolves access tokens to principals and manages suspension.
// Users are cached briefly to keep the auth middleware off the store on
// every request; suspension evicts the entry.
type AuthService struct {
	users        port.UserStore
	tokens       *TokenIssuer
	cache        port.Cache[*domain.User]
	storeTimeout time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewAuthService creates an AuthService.
func NewAuthService(users port.UserStore, tokens *TokenIssuer, cache port.Cache[*domain.User],
	storeTimeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:        users,
		tokens:       tokens,
		cache:        cache,
		storeTimeout: storeTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Authenticate validates a bearer token and loads the caller. The role and
// suspension flag come from the user record, not from the token.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*domain.Principal, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Authenticate")
	defer span.End()

	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, claims.Sub)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &domain.ErrUnauthorized{Message: "Unknown user"}
	}

	return &domain.Principal{
		UserID:    user.ID,
		Phone:     user.Phone,
		Role:      user.Role,
		Suspended: user.Suspended,
	}, nil
}

// SuspendUser blocks a user from logging in and from any further API use.
func (s *AuthService) SuspendUser(ctx context.Context, adminID, userID string) error {
	ctx, span := authTracer.Start(ctx, "AuthService.SuspendUser")
	defer span.End()

	if userID == "" {
		return &domain.ErrValidation{Field: "userId", Message: "User id is required"}
	}
	if userID == adminID {
		return &domain.ErrValidation{Field: "userId", Message: "Admins cannot suspend themselves"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return &domain.ErrExternalService{Service: "user-store", Err: err}
	}
	if user == nil {
		return &domain.ErrNotFound{Resource: "user", ID: userID}
	}

	if err := s.users.SuspendUser(ctx, userID); err != nil {
		s.metrics.IncrExternalError("user-store")
		return &domain.ErrExternalService{Service: "user-store", Err: err}
	}
	s.cache.Delete(userID)

	s.logger.Info("user suspended", zap.String("user_id", userID), zap.String("admin_id", adminID))
	return nil
}

func (s *AuthService) loadUser(ctx context.Context, id string) (*domain.User, error) {
	if u, ok := s.cache.Get(id); ok {
		s.metrics.IncrCacheHit("user")
		return u, nil
	}
	s.metrics.IncrCacheMiss("user")

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	u, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		s.metrics.IncrExternalError("user-store")
		return nil, &domain.ErrExternalService{Service: "user-store", Err: err}
	}
	if u != nil {
		s.cache.Set(id, u)
	}
	return u, nil
}
