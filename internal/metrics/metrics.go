package metrics

import (
	"errors"
	"time"

	"expense-ledger/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger's prometheus collectors.
type Metrics struct {
	StoreDuration *prometheus.HistogramVec
	StoreErrors   *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	Summaries     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ledger",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Store operation latency by logical op.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Store errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Subsystem: "store",
				Name:      "reconnects_total",
				Help:      "Connection (re)establishment attempts by result.",
			},
			[]string{"result"},
		),
		Summaries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "summaries_total",
				Help:      "Summaries computed.",
			},
		),
	}

	reg.MustRegister(m.StoreDuration, m.StoreErrors, m.Reconnects, m.Summaries)
	return m
}

// ObserveStore times fn under op and counts its error class. A nil receiver
// just runs fn.
func (m *Metrics) ObserveStore(op string, fn func() error) error {
	if m == nil {
		return fn()
	}
	start := time.Now()
	err := fn()

	status := "ok"
	if err != nil {
		status = "error"
		m.StoreErrors.WithLabelValues(op, classify(err)).Inc()
	}
	m.StoreDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return err
}

// ObserveReconnect counts a reconnect attempt.
func (m *Metrics) ObserveReconnect(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Reconnects.WithLabelValues("failure").Inc()
		return
	}
	m.Reconnects.WithLabelValues("success").Inc()
}

// ObserveSummary counts a computed summary.
func (m *Metrics) ObserveSummary() {
	if m == nil {
		return
	}
	m.Summaries.Inc()
}

func classify(err error) string {
	var (
		verr *models.ValidationError
		aerr *models.AuthError
		cerr *models.ConnectionError
		perr *models.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &aerr):
		return "auth"
	case errors.Is(err, models.ErrDuplicateUser):
		return "duplicate_user"
	case errors.As(err, &cerr):
		return "connection_" + cerr.Kind.String()
	case errors.As(err, &perr):
		return "persistence"
	default:
		return "unknown"
	}
}
