// Copyright 2025 Certen Protocol

package committee

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BatchesSigned.Inc()
	m.BatchDuration.Observe(0.5)
	m.GatewayErrors.WithLabelValues("transient").Inc()
	m.RootMismatches.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 4 {
		t.Fatalf("expected 4 registered metric families, got %d", len(families))
	}
}
