package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide prometheus registry.
type Metrics struct {
	registry           *prometheus.Registry
	txInvocationsTotal *prometheus.CounterVec
	txInflight         prometheus.Gauge
	evaluationsTotal   *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	boxRefreshFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	tx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boxwallet_tx_invocations_total",
		Help: "Orchestrated ledger transactions by action and outcome",
	}, []string{"action", "outcome"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "boxwallet_tx_inflight",
		Help: "Transactions submitted and not yet settled or failed",
	})

	evals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boxwallet_eligibility_evaluations_total",
		Help: "Eligibility evaluations by resulting message",
	}, []string{"message"})

	httpReqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "boxwallet_http_requests_total",
		Help: "Control API requests by route and status",
	}, []string{"route", "status"})

	refresh := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "boxwallet_box_refresh_failures_total",
		Help: "Failed box list refreshes",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(tx, inflight, evals, httpReqs, refresh)

	return &Metrics{
		registry:           r,
		txInvocationsTotal: tx,
		txInflight:         inflight,
		evaluationsTotal:   evals,
		httpRequestsTotal:  httpReqs,
		boxRefreshFailures: refresh,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncTx(action, outcome string) {
	if m == nil {
		return
	}
	m.txInvocationsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) TxInflight(delta float64) {
	if m == nil {
		return
	}
	m.txInflight.Add(delta)
}

func (m *Metrics) IncEvaluation(message string) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(message).Inc()
}

func (m *Metrics) IncHTTP(route, status string) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, status).Inc()
}

func (m *Metrics) IncRefreshFailure() {
	if m == nil {
		return
	}
	m.boxRefreshFailures.Inc()
}
