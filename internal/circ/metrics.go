package circ

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for circulation operations. All methods are
// nil-safe so adapters and the dispatcher work without a registry in tests.
type Metrics struct {
	OperationDuration *prometheus.HistogramVec
	OperationOutcome  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "circulation_vendor_operation_duration_seconds",
			Help:    "Duration of vendor circulation operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"vendor", "operation"}),

		OperationOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "circulation_vendor_operation_outcomes_total",
			Help: "Vendor circulation operation outcomes by error kind",
		}, []string{"vendor", "operation", "outcome"}),
	}
}

// ObserveOperation records one vendor call's duration and outcome.
func (m *Metrics) ObserveOperation(vendor, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(vendor, operation).Observe(d.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	m.OperationOutcome.WithLabelValues(vendor, operation, outcome).Inc()
}
