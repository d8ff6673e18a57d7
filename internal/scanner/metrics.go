package scanner

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "scanner"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of supervised peer sessions.
	Peers metrics.Gauge
	// Number of sessions with an established connection.
	OpenPeers metrics.Gauge
	// Number of sessions that completed their initial sync.
	SyncedPeers metrics.Gauge
	// Number of sessions destroyed since start.
	DestroyedPeers metrics.Counter
	// Number of distinct chains the synced peers follow.
	Chains metrics.Gauge
	// Best active tip height reported by the full node.
	BestHeight metrics.Gauge
	// Number of reorg triggers fired.
	ReorgTriggers metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of supervised peer sessions.",
		}, []string{}),
		OpenPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "open_peers",
			Help:      "Number of sessions with an established connection.",
		}, []string{}),
		SyncedPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "synced_peers",
			Help:      "Number of sessions that completed their initial sync.",
		}, []string{}),
		DestroyedPeers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "destroyed_peers",
			Help:      "Number of sessions destroyed since start.",
		}, []string{}),
		Chains: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chains",
			Help:      "Number of distinct chains the synced peers follow.",
		}, []string{}),
		BestHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "best_height",
			Help:      "Best active tip height reported by the full node.",
		}, []string{}),
		ReorgTriggers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorg_triggers",
			Help:      "Number of reorg triggers fired.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:          discard.NewGauge(),
		OpenPeers:      discard.NewGauge(),
		SyncedPeers:    discard.NewGauge(),
		DestroyedPeers: discard.NewCounter(),
		Chains:         discard.NewGauge(),
		BestHeight:     discard.NewGauge(),
		ReorgTriggers:  discard.NewCounter(),
	}
}
