package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid and records
// nothing, which keeps tests and tools free of registry setup.
type Metrics struct {
	ReceiptsCreated  prometheus.Counter
	Transitions      *prometheus.CounterVec
	ChatTurns        *prometheus.CounterVec
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReceiptsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receipts",
			Name:      "created_total",
			Help:      "Receipts submitted.",
		}),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "receipts",
				Name:      "transitions_total",
				Help:      "Status transition attempts by requested status and outcome code.",
			},
			[]string{"status", "code"},
		),
		ChatTurns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "receipts",
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Assistant replies by outcome.",
			},
			[]string{"outcome"}, // outcome=ok|error|no_receipts
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "receipts",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "receipts",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route", "status"},
		),
	}
	reg.MustRegister(m.ReceiptsCreated, m.Transitions, m.ChatTurns, m.RequestsTotal, m.RequestsDuration)
	return m
}

// ReceiptCreated counts a submitted receipt
func (m *Metrics) ReceiptCreated() {
	if m == nil {
		return
	}
	m.ReceiptsCreated.Inc()
}

// Transitioned counts a transition attempt
func (m *Metrics) Transitioned(status, code string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status, code).Inc()
}

// ChatTurn counts an assistant reply
func (m *Metrics) ChatTurn(outcome string) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler with request count and latency collection under route
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		status := strconv.Itoa(rec.status)
		m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.RequestsDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	}
}
