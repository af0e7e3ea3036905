package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/giftvault-bfa-go/internal/domain"
	"github.com/boddenberg/giftvault-bfa-go/internal/handler"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/cache"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/memory"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/observability"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/ratelimit"
	"github.com/boddenberg/giftvault-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/giftvault-bfa-go/internal/port"
	"github.com/boddenberg/giftvault-bfa-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSMS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSMS) Send(_ context.Context, _, message string) (*port.SMSResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return &port.SMSResult{Success: true, MessageID: "SM-test"}, nil
}

func (f *fakeSMS) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1][:6]
}

type failingProbe struct{}

func (failingProbe) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	router http.Handler
	store  *memory.Store
	sms    *fakeSMS
	tokens *service.TokenIssuer
}

func newTestEnv(t *testing.T, ipLimit int, probes ...handler.Probe) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	store := memory.New()
	sms := &fakeSMS{}
	tokens := service.NewTokenIssuer("test-secret", time.Hour)

	otpSvc := service.NewOTPService(store, store, sms, service.NewCodeHasher("pepper"), tokens,
		service.OTPConfig{CountryCode: "91", StoreTimeout: time.Second, SMSTimeout: time.Second}, metrics, logger)
	walletSvc := service.NewWalletService(store, service.WalletConfig{
		StoreTimeout: time.Second,
		Retry:        resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond},
	}, metrics, logger)

	users := cache.New[*domain.User](time.Minute, 100)
	t.Cleanup(users.Close)
	authSvc := service.NewAuthService(store, tokens, users, time.Second, metrics, logger)

	limiter := ratelimit.NewMemory(time.Minute, ipLimit)
	t.Cleanup(limiter.Close)

	if len(probes) == 0 {
		probes = []handler.Probe{{Name: "store", Checker: store}}
	}

	return &testEnv{
		router: handler.NewRouter(handler.Deps{
			OTP:     otpSvc,
			Wallet:  walletSvc,
			Auth:    authSvc,
			Limiter: limiter,
			Probes:  probes,
			Metrics: metrics,
			Logger:  logger,
		}),
		store:  store,
		sms:    sms,
		tokens: tokens,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) userWithBalance(t *testing.T, phone string, role domain.Role, paise int64) (*domain.User, string) {
	t.Helper()
	u := e.store.PutUser(phone, role)
	if role != domain.RoleAdmin {
		e.store.PutWallet(u.ID, role, paise)
	}
	token, err := e.tokens.Sign(u)
	require.NoError(t, err)
	return u, token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ============================================================
// Operational endpoints
// ============================================================

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[domain.HealthStatus](t, rec).Status)
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_FailingDependency(t *testing.T) {
	env := newTestEnv(t, 100, handler.Probe{Name: "store", Checker: failingProbe{}})

	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Liveness stays up.
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode[domain.HealthStatus](t, rec).Status)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, 100)
	env.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]string{"phone": "123"})

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "giftvault_otp_requests_total")
}

// ============================================================
// OTP
// ============================================================

func TestOTPRequest_InvalidPhone(t *testing.T) {
	env := newTestEnv(t, 100)

	for _, phone := range []string{"", "12345", "abcdefghij"} {
		rec := env.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]string{"phone": phone})
		assert.Equal(t, http.StatusBadRequest, rec.Code, phone)
		body := decode[errorBody](t, rec)
		assert.False(t, body.Success)
		assert.Equal(t, "Invalid phone number. Must be 10 digits.", body.Error)
	}
	assert.Empty(t, env.sms.sent)
}

func TestOTPRequest_MalformedBody(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/v1/auth/otp/request", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOTPRequest_CooldownReturns429(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]string{"phone": "+91 98765 43210"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[domain.SuccessResponse](t, rec).Success)
	require.Len(t, env.sms.sent, 1)
	assert.True(t, strings.HasSuffix(env.sms.sent[0], " is your GiftVault login OTP. It is valid for 5 minutes. Do not share it with anyone."))

	rec = env.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]string{"phone": "9876543210"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	body := decode[errorBody](t, rec)
	assert.Regexp(t, `^Please wait ([1-9]|[1-5][0-9]|60) seconds before retrying\.$`, body.Error)
	assert.Len(t, env.sms.sent, 1)
}

func TestOTPRequest_IPThrottle(t *testing.T) {
	env := newTestEnv(t, 2)

	phones := []string{"9000000001", "9000000002", "9000000003"}
	var codes []int
	for _, p := range phones {
		codes = append(codes, env.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]string{"phone": p}).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestOTPVerify_IssuesSessionAndWallet(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/v1/auth/otp/request", "", map[string]string{"phone": "9876543210"})
	require.Equal(t, http.StatusOK, rec.Code)
	code := env.sms.lastCode()
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	rec = env.do(t, http.MethodPost, "/v1/auth/otp/verify", "", map[string]string{"phone": "9876543210", "code": wrong})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or expired OTP", decode[errorBody](t, rec).Error)

	rec = env.do(t, http.MethodPost, "/v1/auth/otp/verify", "", map[string]string{"phone": "9876543210", "code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[domain.Session](t, rec)
	assert.True(t, session.Success)
	assert.Equal(t, "Bearer", session.TokenType)
	assert.Equal(t, domain.RoleCustomer, session.User.Role)

	// Single use.
	rec = env.do(t, http.MethodPost, "/v1/auth/otp/verify", "", map[string]string{"phone": "9876543210", "code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/wallet", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[domain.WalletSummary](t, rec)
	assert.Equal(t, "0.00", summary.BalanceRupee)
	assert.Empty(t, summary.Recent)
}

// ============================================================
// Wallet
// ============================================================

func TestWalletDebit_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(t, http.MethodPost, "/v1/wallet/debit", "", map[string]any{"amount": 10, "referenceType": "order"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/wallet/debit", "not-a-jwt", map[string]any{"amount": 10, "referenceType": "order"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWalletDebit_EndToEnd(t *testing.T) {
	env := newTestEnv(t, 100)
	_, token := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 100000)

	rec := env.do(t, http.MethodPost, "/v1/wallet/debit", token, map[string]any{
		"amount": "250.50", "referenceType": "order", "referenceId": "ord_1", "description": "Gift card",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[domain.TransactionResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(25050), resp.Transaction.AmountPaise)
	assert.Equal(t, int64(74950), resp.Transaction.BalanceAfterPaise)
	assert.Equal(t, domain.TransactionDebit, resp.Transaction.Type)

	rec = env.do(t, http.MethodPost, "/v1/wallet/debit", token, map[string]any{"amount": 1000, "referenceType": "order"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Insufficient wallet balance", decode[errorBody](t, rec).Error)

	rec = env.do(t, http.MethodGet, "/v1/wallet", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[domain.WalletSummary](t, rec)
	assert.Equal(t, "749.50", summary.BalanceRupee)
	assert.Len(t, summary.Recent, 1)

	rec = env.do(t, http.MethodGet, "/v1/wallet/transactions?page=1&page_size=10", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[domain.ListResponse[domain.WalletTransaction]](t, rec)
	assert.Len(t, list.Data, 1)
	assert.False(t, list.HasMore)
}

// amount is in rupees: 1 means 100 paise.
func TestWalletDebit_OneRupee(t *testing.T) {
	env := newTestEnv(t, 100)
	_, token := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 1000)

	rec := env.do(t, http.MethodPost, "/v1/wallet/debit", token, map[string]any{
		"amount": 1, "referenceId": "X", "referenceType": "test", "description": "desc",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tx := decode[domain.TransactionResponse](t, rec).Transaction
	assert.Equal(t, int64(100), tx.AmountPaise)
	assert.Equal(t, int64(900), tx.BalanceAfterPaise)
	assert.Equal(t, "X", tx.ReferenceID)

	rec = env.do(t, http.MethodGet, "/v1/wallet", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[domain.WalletSummary](t, rec)
	assert.Equal(t, int64(900), summary.Wallet.BalancePaise)
	require.Len(t, summary.Recent, 1)
	assert.Equal(t, summary.Wallet.BalancePaise, summary.Recent[0].BalanceAfterPaise)
}

func TestWalletTransactions_OversizedPage(t *testing.T) {
	env := newTestEnv(t, 100)
	_, token := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 1000)

	rec := env.do(t, http.MethodPost, "/v1/wallet/debit", token, map[string]any{"amount": 1, "referenceType": "order"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/wallet/transactions?page=461168601842738800", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Page is out of range", decode[errorBody](t, rec).Error)

	rec = env.do(t, http.MethodGet, "/v1/wallet/transactions?page=2", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[domain.ListResponse[domain.WalletTransaction]](t, rec).Data)
}

func TestWalletDebit_Validation(t *testing.T) {
	env := newTestEnv(t, 100)
	_, token := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 100000)

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing amount", map[string]any{"referenceType": "order"}, "amount is required"},
		{"missing reference type", map[string]any{"amount": 1}, "referenceType is required"},
		{"negative", map[string]any{"amount": -5, "referenceType": "order"}, "Amount must be greater than zero"},
		{"three decimals", map[string]any{"amount": "1.005", "referenceType": "order"}, "Amount cannot have more than 2 decimal places"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/wallet/debit", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[errorBody](t, rec).Error, tt.want)
		})
	}
}

func TestWalletDebit_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t, 100)
	_, token := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 10000)
	body := map[string]any{"amountPaise": 2500, "referenceType": "order"}

	first := env.do(t, http.MethodPost, "/v1/wallet/debit", token, body, "Idempotency-Key", "checkout-42")
	require.Equal(t, http.StatusOK, first.Code)
	second := env.do(t, http.MethodPost, "/v1/wallet/debit", token, body, "Idempotency-Key", "checkout-42")
	require.Equal(t, http.StatusOK, second.Code)

	a := decode[domain.TransactionResponse](t, first)
	b := decode[domain.TransactionResponse](t, second)
	assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
	assert.Equal(t, int64(7500), b.Transaction.BalanceAfterPaise)

	conflict := env.do(t, http.MethodPost, "/v1/wallet/debit", token,
		map[string]any{"amountPaise": 100, "referenceType": "order"}, "Idempotency-Key", "checkout-42")
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestWalletRoutes_ForbiddenForAdmin(t *testing.T) {
	env := newTestEnv(t, 100)
	_, token := env.userWithBalance(t, "9000000009", domain.RoleAdmin, 0)

	rec := env.do(t, http.MethodGet, "/v1/wallet", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// ============================================================
// Admin
// ============================================================

func TestAdminCreditAndAudit(t *testing.T) {
	env := newTestEnv(t, 100)
	customer, customerToken := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 0)
	_, adminToken := env.userWithBalance(t, "9000000009", domain.RoleAdmin, 0)

	creditPath := "/v1/admin/wallets/" + customer.ID + "/credit"
	rec := env.do(t, http.MethodPost, creditPath, adminToken, map[string]any{
		"amount": 500, "referenceType": "topup", "metadata": map[string]any{"gateway": "upi"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(50000), decode[domain.TransactionResponse](t, rec).Transaction.BalanceAfterPaise)

	rec = env.do(t, http.MethodPost, "/v1/wallet/debit", customerToken, map[string]any{"amount": 120, "referenceType": "order"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/wallets/"+customer.ID+"/audit", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[domain.LedgerAudit](t, rec)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 2, audit.Transactions)
	assert.Equal(t, int64(38000), audit.WalletPaise)

	// Customers cannot credit themselves.
	rec = env.do(t, http.MethodPost, creditPath, customerToken, map[string]any{"amount": 500, "referenceType": "topup"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminCredit_UnknownOwner(t *testing.T) {
	env := newTestEnv(t, 100)
	_, adminToken := env.userWithBalance(t, "9000000009", domain.RoleAdmin, 0)

	rec := env.do(t, http.MethodPost, "/v1/admin/wallets/00000000-0000-0000-0000-000000000000/credit", adminToken,
		map[string]any{"amount": 5, "referenceType": "topup"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminSuspend(t *testing.T) {
	env := newTestEnv(t, 100)
	customer, customerToken := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 1000)
	admin, adminToken := env.userWithBalance(t, "9000000009", domain.RoleAdmin, 0)

	// Warm the user cache so suspension has to evict it.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/wallet", customerToken, nil).Code)

	rec := env.do(t, http.MethodPost, "/v1/admin/users/"+customer.ID+"/suspend", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/wallet", customerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/admin/users/"+admin.ID+"/suspend", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================
// Access decisions
// ============================================================

func TestAccess(t *testing.T) {
	env := newTestEnv(t, 100)
	_, customerToken := env.userWithBalance(t, "9876543210", domain.RoleCustomer, 0)
	_, merchantToken := env.userWithBalance(t, "9876500000", domain.RoleMerchant, 0)

	tests := []struct {
		name     string
		path     string
		token    string
		allowed  bool
		redirect string
	}{
		{"anonymous admin page", "/admin/users", "", false, "/login"},
		{"customer on admin page", "/admin", customerToken, false, "/dashboard"},
		{"merchant on customer page", "/my-coupons", merchantToken, false, "/merchant/dashboard"},
		{"merchant on merchant page", "/merchant/dashboard", merchantToken, true, ""},
		{"public page", "/gift-cards", "", true, ""},
		{"prefix is segment aware", "/administrator", "", true, ""},
		{"bad token treated as anonymous", "/account", "garbage", false, "/login"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/access?path="+tt.path, tt.token, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			d := decode[domain.AccessDecision](t, rec)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.redirect, d.Redirect)
		})
	}

	rec := env.do(t, http.MethodGet, "/v1/access?path=admin", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
