package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the service's Prometheus collectors. A nil *Registry is
// valid and records nothing, which keeps tests and tools free of wiring.
type Registry struct {
	registry          *prometheus.Registry
	escrowOps         *prometheus.CounterVec
	ledgerSubmissions *prometheus.CounterVec
	ledgerFinality    *prometheus.HistogramVec
	rateRefreshes     *prometheus.CounterVec
	walletsProvision  *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	dlqDepth          prometheus.Gauge
}

func New() *Registry {
	escrowOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_escrow_operations_total",
		Help: "Escrow create/redeem/reconcile outcomes",
	}, []string{"op", "result"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_ledger_submissions_total",
		Help: "Ledger transactions submitted, by type and final result",
	}, []string{"tx_type", "result"})

	finality := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobescrow_ledger_finality_seconds",
		Help:    "Time from submission until the transaction was validated",
		Buckets: []float64{1, 2, 4, 6, 8, 12, 20, 30, 60},
	}, []string{"tx_type"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_rate_refresh_total",
		Help: "Exchange rate table refreshes",
	}, []string{"result"})

	wallets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_wallet_provisioned_total",
		Help: "Ledger accounts provisioned, by mode",
	}, []string{"mode"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobescrow_retry_attempts_total",
		Help: "Retry attempts for escrow redemption",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobescrow_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(escrowOps, submissions, finality, refreshes, wallets, retries, dlq)

	return &Registry{
		registry:          r,
		escrowOps:         escrowOps,
		ledgerSubmissions: submissions,
		ledgerFinality:    finality,
		rateRefreshes:     refreshes,
		walletsProvision:  wallets,
		retryAttempts:     retries,
		dlqDepth:          dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) EscrowOperation(op, result string) {
	if m == nil {
		return
	}
	m.escrowOps.WithLabelValues(op, result).Inc()
}

func (m *Registry) LedgerSubmission(txType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledgerSubmissions.WithLabelValues(txType, result).Inc()
	if result == "tesSUCCESS" {
		m.ledgerFinality.WithLabelValues(txType).Observe(elapsed.Seconds())
	}
}

func (m *Registry) RateRefresh(result string) {
	if m == nil {
		return
	}
	m.rateRefreshes.WithLabelValues(result).Inc()
}

func (m *Registry) WalletProvisioned(mode string) {
	if m == nil {
		return
	}
	m.walletsProvision.WithLabelValues(mode).Inc()
}

func (m *Registry) Retry(result string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(result).Inc()
}

func (m *Registry) SetDLQDepth(depth int) {
	if m == nil {
		return
	}
	m.dlqDepth.Set(float64(depth))
}
