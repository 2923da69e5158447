package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the x402 payment gate.
type Metrics struct {
	// Verify/settle pipeline metrics
	VerifiesTotal        *prometheus.CounterVec
	SettlesTotal         *prometheus.CounterVec
	ConfirmationDuration *prometheus.HistogramVec

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Middleware metrics
	ChallengesTotal *prometheus.CounterVec
	PaymentsTotal   *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Wallet metrics
	FeePayerWallets *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		VerifiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_verifies_total",
				Help: "Total number of payment verifications by outcome",
			},
			[]string{"network", "outcome"},
		),
		SettlesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_settles_total",
				Help: "Total number of settlement attempts by outcome",
			},
			[]string{"network", "outcome"},
		),
		ConfirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_confirmation_duration_seconds",
				Help:    "Time waiting for on-chain confirmation (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"network"},
		),
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rpc_calls_total",
				Help: "Total number of Solana RPC calls",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_rpc_call_duration_seconds",
				Help:    "Solana RPC call latency by method",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rpc_errors_total",
				Help: "Total number of failed Solana RPC calls",
			},
			[]string{"method", "network"},
		),
		ChallengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_challenges_total",
				Help: "Total number of 402 challenges emitted by the middleware",
			},
			[]string{"resource"},
		),
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_total",
				Help: "Total number of paid requests through the middleware by outcome",
			},
			[]string{"resource", "outcome"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rate_limit_hits_total",
				Help: "Total number of rate limited requests by limiter tier",
			},
			[]string{"type", "identifier"},
		),
		FeePayerWallets: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "x402_fee_payer_wallets",
				Help: "Number of fee-payer wallets configured per network",
			},
			[]string{"network"},
		),
	}
}

// ObserveRPCCall records one RPC round trip.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())
	if err != nil {
		m.RPCErrorsTotal.WithLabelValues(method, network).Inc()
	}
}

// ObserveVerify records one verification outcome ("ok" or an error kind).
func (m *Metrics) ObserveVerify(network, outcome string) {
	if m == nil {
		return
	}
	m.VerifiesTotal.WithLabelValues(network, outcome).Inc()
}

// ObserveSettle records one settlement outcome ("ok" or an error kind).
func (m *Metrics) ObserveSettle(network, outcome string) {
	if m == nil {
		return
	}
	m.SettlesTotal.WithLabelValues(network, outcome).Inc()
}

// ObserveRateLimit records one rejected request per limiter tier
// ("global", "per_wallet", "per_ip") and the identifier that tripped it.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveConfirmation records how long one confirmation wait took.
func (m *Metrics) ObserveConfirmation(network string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmationDuration.WithLabelValues(network).Observe(duration.Seconds())
}
