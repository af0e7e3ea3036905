package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	otpRequests     *prometheus.CounterVec
	smsDispatch     *prometheus.CounterVec
	walletMutations *prometheus.CounterVec
	walletConflicts prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "giftvault_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftvault_external_errors_total",
				Help: "Total errors from the store and providers.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftvault_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftvault_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		otpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftvault_otp_requests_total",
				Help: "OTP issuance requests by outcome.",
			},
			[]string{"outcome"},
		),
		smsDispatch: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftvault_sms_dispatch_total",
				Help: "SMS dispatch attempts by status.",
			},
			[]string{"status"},
		),
		walletMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftvault_wallet_mutations_total",
				Help: "Wallet debits and credits by outcome.",
			},
			[]string{"type", "outcome"},
		),
		walletConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "giftvault_wallet_conflicts_total",
				Help: "Lost compare-and-swap races on wallet balances.",
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrOTPRequest counts an OTP issuance outcome (issued, invalid, rate_limited, error).
func (m *Metrics) IncrOTPRequest(outcome string) {
	m.otpRequests.WithLabelValues(outcome).Inc()
}

// IncrSMSDispatch counts an SMS dispatch by status (sent, failed).
func (m *Metrics) IncrSMSDispatch(status string) {
	m.smsDispatch.WithLabelValues(status).Inc()
}

// IncrWalletMutation counts a debit or credit by outcome.
func (m *Metrics) IncrWalletMutation(txType, outcome string) {
	m.walletMutations.WithLabelValues(txType, outcome).Inc()
}

// IncrWalletConflict counts a lost compare-and-swap.
func (m *Metrics) IncrWalletConflict() {
	m.walletConflicts.Inc()
}

// OTPRequestCount returns the cumulative count for an outcome.
func (m *Metrics) OTPRequestCount(outcome string) float64 {
	return getCounterValue(m.otpRequests, outcome)
}

// SMSDispatchCount returns the cumulative count for a status.
func (m *Metrics) SMSDispatchCount(status string) float64 {
	return getCounterValue(m.smsDispatch, status)
}

// WalletConflictCount returns the cumulative number of lost races.
func (m *Metrics) WalletConflictCount() float64 {
	return readCounter(m.walletConflicts)
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	return readCounter(cv.WithLabelValues(labels...))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
