package handler

import (
	"net/http"

	"github.com/boddenberg/giftvault-bfa-go/internal/authz"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Deps are the services and infrastructure the router wires together.
// Limiter may be nil, which disables per-IP throttling.
type Deps struct {
	OTP     *service.OTPService
	Wallet  *service.WalletService
	Auth    *service.AuthService
	Limiter port.RateLimiter
	Probes  []Probe
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Probes))
	r.Get("/readyz", readyzHandler(d.Probes))
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// 1. OTP login
		// =============================================
		r.Route("/auth/otp", func(r chi.Router) {
			if d.Limiter != nil {
				r.Use(RateLimitMiddleware(d.Limiter, ClientIPKey, d.Metrics, logger))
			}
			r.Post("/request", otpRequestHandler(d.OTP, logger))
			r.Post("/verify", otpVerifyHandler(d.OTP, logger))
		})

		// =============================================
		// 2. Route guard for the frontend
		// =============================================
		r.With(OptionalAuthMiddleware(d.Auth, logger)).Get("/access", accessHandler())

		// =============================================
		// 3. Authenticated API
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(d.Auth, logger))

			// Wallet (customer, merchant)
			r.With(RequireAction(authz.WalletRead, logger)).Get("/wallet", getWalletHandler(d.Wallet, logger))
			r.With(RequireAction(authz.WalletRead, logger)).Get("/wallet/transactions", listWalletTransactionsHandler(d.Wallet, logger))
			r.With(RequireAction(authz.WalletDebit, logger)).Post("/wallet/debit", walletDebitHandler(d.Wallet, logger))

			// Admin
			r.Route("/admin", func(r chi.Router) {
				r.With(RequireAction(authz.WalletCredit, logger)).Post("/wallets/{ownerId}/credit", adminCreditHandler(d.Wallet, logger))
				r.With(RequireAction(authz.LedgerAudit, logger)).Get("/wallets/{ownerId}/audit", adminAuditHandler(d.Wallet, logger))
				r.With(RequireAction(authz.UserSuspend, logger)).Post("/users/{userId}/suspend", adminSuspendHandler(d.Auth, logger))
			})
		})
	})

	return r
}
