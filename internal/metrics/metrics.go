// Package metrics provides Prometheus metrics for Wormhole Transit.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wormhole_transit"
)

// Metrics contains all Prometheus metrics for transfers and the relay.
type Metrics struct {
	// Candidate race metrics
	CandidatesAttempted *prometheus.CounterVec
	CandidatesFailed    *prometheus.CounterVec
	HandshakeLatency    prometheus.Histogram
	HandshakeErrors     *prometheus.CounterVec
	ElectedEndpoints    *prometheus.CounterVec

	// Record pipeline metrics
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	RecordsSent     prometheus.Counter
	RecordsReceived prometheus.Counter
	TransfersTotal  *prometheus.CounterVec

	// Relay server metrics
	RelayConnections prometheus.Gauge
	RelayPairings    prometheus.Counter
	RelayBytes       prometheus.Counter
	RelayRejects     *prometheus.CounterVec
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
		CandidatesAttempted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_attempted_total",
			Help:      "Total candidate connections attempted by kind",
		}, []string{"kind", "direction"}),
		CandidatesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_failed_total",
			Help:      "Total candidate connections dropped by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of time from dial to handshake completion",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by stage",
		}, []string{"stage"}),
		ElectedEndpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elected_endpoints_total",
			Help:      "Total elected endpoints by kind",
		}, []string{"kind"}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total plaintext bytes sent through the record pipeline",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total plaintext bytes received through the record pipeline",
		}),
		RecordsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_sent_total",
			Help:      "Total encrypted records sent",
		}),
		RecordsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Total encrypted records received",
		}),
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total transfers by role and outcome",
		}, []string{"role", "outcome"}),

		RelayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections_active",
			Help:      "Number of client connections currently held by the relay",
		}),
		RelayPairings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_pairings_total",
			Help:      "Total side pairs the relay has matched",
		}),
		RelayBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Total bytes spliced between paired sides",
		}),
		RelayRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rejects_total",
			Help:      "Total relay connections rejected by reason",
		}, []string{"reason"}),
	}
}
