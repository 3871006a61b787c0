package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.HandshakesStarted.Inc()
	m.HandshakesAccepted.Inc()
	m.SessionsActive.Inc()
	m.ReauthCycles.Add(3)
	m.HandshakeFailures.WithLabelValues(ReasonCodec).Inc()
	m.ReauthFailures.WithLabelValues(ReasonSequence).Inc()
	m.PairingsGenerated.Inc()

	if got := testutil.ToFloat64(m.HandshakesStarted); got != 1 {
		t.Errorf("HandshakesStarted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReauthCycles); got != 3 {
		t.Errorf("ReauthCycles = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues(ReasonCodec)); got != 1 {
		t.Errorf("HandshakeFailures[codec] = %v, want 1", got)
	}
}

func TestDefaultSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
