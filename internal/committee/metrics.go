// Copyright 2025 Certen Protocol

package committee

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the committee loop's Prometheus instrumentation (spec §6
// external interfaces, METRICS_ADDR).
type Metrics struct {
	BatchesSigned   prometheus.Counter
	BatchDuration   prometheus.Histogram
	GatewayErrors   *prometheus.CounterVec
	RootMismatches  prometheus.Counter
}

// NewMetrics constructs and registers the committee's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesSigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "committee_batches_signed_total",
			Help: "Total number of batches the committee has validated and signed.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "committee_batch_duration_seconds",
			Help:    "Wall-clock time spent processing a single batch attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "committee_gateway_errors_total",
			Help: "Total number of batch attempts that failed with a transient or protocol error, by kind.",
		}, []string{"kind"}),
		RootMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "committee_root_mismatches_total",
			Help: "Total number of batches rejected due to a recomputed root mismatch.",
		}),
	}
	reg.MustRegister(m.BatchesSigned, m.BatchDuration, m.GatewayErrors, m.RootMismatches)
	return m
}
