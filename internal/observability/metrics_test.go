package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterOnIsolatedRegistries(t *testing.T) {
	// Two instances must not collide; tests build a core per case.
	NewMetrics(prometheus.NewRegistry())
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Freshness lag is a histogram, fed per applied projection output.
	m.QueryFreshnessLag.WithLabelValues("main").Observe(0.25)
	m.QueryFreshnessLag.WithLabelValues("main").Observe(1.5)
	if n := testutil.CollectAndCount(m.QueryFreshnessLag); n != 1 {
		t.Fatalf("expected one labelled series, got %d", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "agent_query_freshness_lag_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 2 || h.GetSampleSum() != 1.75 {
			t.Fatalf("unexpected histogram: count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
		}
		return
	}
	t.Fatal("freshness lag histogram not registered")
}
