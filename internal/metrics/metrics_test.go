package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.BytesSent.Add(4096)
	m.BytesReceived.Add(1024)
	m.RecordsSent.Inc()
	m.CandidatesAttempted.WithLabelValues("direct", "outbound").Inc()
	m.TransfersTotal.WithLabelValues("sender", "ok").Inc()
	m.RelayPairings.Inc()

	if got := testutil.ToFloat64(m.BytesSent); got != 4096 {
		t.Errorf("BytesSent = %f, want 4096", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 1024 {
		t.Errorf("BytesReceived = %f, want 1024", got)
	}
	if got := testutil.ToFloat64(m.CandidatesAttempted.WithLabelValues("direct", "outbound")); got != 1 {
		t.Errorf("CandidatesAttempted = %f, want 1", got)
	}
}

func TestDefaultSingleton(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() returned different instances")
	}
}
