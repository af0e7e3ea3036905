package handler

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/boddenberg/giftvault-bfa-go/internal/authz"
	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "principal"

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// JWTAuthMiddleware validates Bearer tokens and injects the Principal into context.
func JWTAuthMiddleware(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				logger.Debug("auth: missing or malformed token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			p, err := authSvc.Authenticate(r.Context(), token)
			if err != nil {
				logger.Warn("auth: token rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				handleServiceError(w, err, logger)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthMiddleware resolves the Principal when a valid token is sent
// and otherwise lets the request through anonymously.
func OptionalAuthMiddleware(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			p, err := authSvc.Authenticate(r.Context(), token)
			if err != nil {
				logger.Debug("auth: optional token ignored", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// RequireAction enforces the authorization policy for action.
func RequireAction(action authz.Action, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			d := authz.Evaluate(p, action)
			if !d.Allowed {
				fields := []zap.Field{
					zap.String("action", string(action)),
					zap.String("path", r.URL.Path),
					zap.String("reason", d.Reason),
				}
				if p != nil {
					fields = append(fields, zap.String("user_id", p.UserID))
				}
				logger.Warn("authz: denied", fields...)
				if d.Status == http.StatusUnauthorized {
					writeError(w, d.Status, "Authentication required")
				} else {
					writeError(w, d.Status, "Access denied")
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext returns the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalKey).(*domain.Principal)
	return p
}

// RateLimitMiddleware throttles requests per key. Limiter failures fail open:
// the per-phone gates still bound OTP issuance.
func RateLimitMiddleware(limiter port.RateLimiter, keyFunc func(*http.Request) string, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil {
				metrics.IncrExternalError("rate-limiter")
				logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				limited := &domain.ErrRateLimited{Message: "Too many requests. Please try again later.", RetryAfter: retryAfter}
				w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
				writeError(w, http.StatusTooManyRequests, limited.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKey keys a request by client IP. RealIP runs first, so RemoteAddr
// already reflects X-Forwarded-For / X-Real-IP.
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "otp:ip:" + host
}
