package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/config"
	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/handler"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/cache"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/memory"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/postgres"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/ratelimit"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/sms"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/supabase"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"go.uber.org/zap"
)

const userCacheMaxEntries = 10_000

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("sms_provider", cfg.SMSProvider),
		zap.Bool("redis_rate_limit", cfg.RedisURL != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("store_timeout", cfg.StoreTimeout),
		zap.Duration("sms_timeout", cfg.SMSTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("wallet_max_retries", cfg.WalletMaxRetries),
		zap.Duration("jwt_access_ttl", cfg.JWTAccessTTL),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "giftvault-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Store ---
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	var store port.Store
	switch cfg.StoreBackend {
	case config.BackendSupabase:
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		store = supabase.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"),
			resilienceCfg,
			logger,
		)
	case config.BackendPostgres:
		db, err := postgres.Open(startCtx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer db.Close()
		if cfg.DBMigrate {
			if err := postgres.Migrate(db); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
			logger.Info("postgres: migrations applied")
		}
		store = postgres.NewStore(db, logger)
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		store = memory.New()
	}

	// --- SMS ---
	var smsSender port.SMSSender
	if cfg.SMSProvider == "twilio" {
		smsSender = sms.NewTwilioSender(sms.TwilioConfig{
			AccountSID:          cfg.TwilioAccountSID,
			AuthToken:           cfg.TwilioAuthToken,
			From:                cfg.TwilioFrom,
			MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		}, cfg.MaxConcurrency, logger)
	} else {
		logger.Warn("sms: log provider active, no messages are delivered")
		smsSender = sms.NewLogSender(logger, cfg.SMSLogCodes)
	}

	// --- Per-IP throttle ---
	probes := []handler.Probe{{Name: "store", Checker: store}}
	var limiter port.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.ConnectRedis(startCtx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		redisLimiter := ratelimit.NewRedis(rdb, "giftvault:ratelimit:", cfg.OTPIPWindow, cfg.OTPIPLimit)
		limiter = redisLimiter
		probes = append(probes, handler.Probe{Name: "redis", Checker: redisLimiter})
	} else {
		memLimiter := ratelimit.NewMemory(cfg.OTPIPWindow, cfg.OTPIPLimit)
		defer memLimiter.Close()
		limiter = memLimiter
	}

	// --- Services ---
	tokens := service.NewTokenIssuer(cfg.JWTSecret, cfg.JWTAccessTTL)

	otpSvc := service.NewOTPService(store, store, smsSender, service.NewCodeHasher(cfg.OTPPepper), tokens,
		service.OTPConfig{
			CountryCode:  cfg.SMSCountryCode,
			StoreTimeout: cfg.StoreTimeout,
			SMSTimeout:   cfg.SMSTimeout,
		}, metrics, logger)

	walletSvc := service.NewWalletService(store, service.WalletConfig{
		StoreTimeout: cfg.StoreTimeout,
		Retry: resilience.Config{
			MaxRetries:     cfg.WalletMaxRetries,
			InitialBackoff: 10 * time.Millisecond,
		},
	}, metrics, logger)

	userCache := cache.New[*domain.User](cfg.UserCacheTTL, userCacheMaxEntries)
	defer userCache.Close()
	authSvc := service.NewAuthService(store, tokens, userCache, cfg.StoreTimeout, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		OTP:     otpSvc,
		Wallet:  walletSvc,
		Auth:    authSvc,
		Limiter: limiter,
		Probes:  probes,
		Metrics: metrics,
		Logger:  logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
