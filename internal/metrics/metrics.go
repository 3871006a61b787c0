// Package metrics provides Prometheus metrics for pico-go.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pico"
)

// Metrics contains all Prometheus metrics for the service daemon.
type Metrics struct {
	// Handshake metrics
	HandshakesStarted   prometheus.Counter
	HandshakesAccepted  prometheus.Counter
	HandshakesRejected  prometheus.Counter
	HandshakeFailures   *prometheus.CounterVec
	HandshakeDuration   prometheus.Histogram

	// Continuous session metrics
	SessionsActive prometheus.Gauge
	ReauthCycles   prometheus.Counter
	ReauthFailures *prometheus.CounterVec

	// Pairing metrics
	PairingsGenerated prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandshakesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_started_total",
			Help:      "Number of SIGMA-I handshakes started",
		}),
		HandshakesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_accepted_total",
			Help:      "Number of handshakes that authenticated a prover",
		}),
		HandshakesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "Number of handshakes rejected (bad proof or unauthorized)",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Number of handshakes that errored, by reason",
		}, []string{"reason"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from channel connect to Status write",
			Buckets:   prometheus.DefBuckets,
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of continuous sessions currently running",
		}),
		ReauthCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauth_cycles_total",
			Help:      "Number of completed reauthentication ping-pongs",
		}),
		ReauthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauth_failures_total",
			Help:      "Number of reauthentication failures, by reason",
		}, []string{"reason"}),
		PairingsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_generated_total",
			Help:      "Number of pairing QR payloads generated",
		}),
	}
}

// Failure reason labels.
const (
	ReasonCodec     = "codec"
	ReasonCrypto    = "crypto"
	ReasonSequence  = "sequence"
	ReasonTransport = "transport"
	ReasonTimeout   = "timeout"
)
