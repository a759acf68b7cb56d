package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/stockclose/internal/closing"
)

// ClosingMetrics mencatat hasil operasi closing dan kegagalan audit.
type ClosingMetrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	auditFailures *prometheus.CounterVec
}

// NewClosingMetrics mendaftarkan metrik closing pada registry Metrics.
func NewClosingMetrics(m *Metrics) *ClosingMetrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockclose_closing_operations_total",
		Help: "Closing operations by operation and result kind.",
	}, []string{"op", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockclose_closing_duration_seconds",
		Help:    "Duration of closing operations.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"op"})
	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockclose_audit_failures_total",
		Help: "Audit events that could not be recorded, by action.",
	}, []string{"action"})
	m.Registerer().MustRegister(operations, duration, auditFailures)
	return &ClosingMetrics{operations: operations, duration: duration, auditFailures: auditFailures}
}

// CloseFinished memenuhi closing.Instrumentation.
func (c *ClosingMetrics) CloseFinished(kind closing.Kind, elapsed time.Duration) {
	c.observe("close", kind, elapsed)
}

// RollbackFinished memenuhi closing.Instrumentation.
func (c *ClosingMetrics) RollbackFinished(kind closing.Kind, elapsed time.Duration) {
	c.observe("rollback", kind, elapsed)
}

// AuditFailed menaikkan penghitung kegagalan audit untuk action.
func (c *ClosingMetrics) AuditFailed(action string) {
	if c == nil {
		return
	}
	c.auditFailures.WithLabelValues(action).Inc()
}

func (c *ClosingMetrics) observe(op string, kind closing.Kind, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}
