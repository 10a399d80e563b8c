// Package metrics defines the Prometheus instrumentation for the
// stream loader and the storage layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ItemsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docnow",
			Name:      "items_received_total",
			Help:      "Items read from upstream streaming connections",
		},
		[]string{"connection"},
	)

	ItemsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docnow",
			Name:      "items_committed_total",
			Help:      "Items durably committed per search",
		},
		[]string{"search"},
	)

	DuplicatesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docnow",
			Name:      "duplicates_skipped_total",
			Help:      "Items skipped because the (search, item) pair was already committed",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "docnow",
			Name:      "dead_letters_total",
			Help:      "Items set aside after exhausting persist retries",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docnow",
			Name:      "queue_depth",
			Help:      "Items waiting in the ingestion queue",
		},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docnow",
			Name:      "reconnects_total",
			Help:      "Upstream reconnect attempts by cause",
		},
		[]string{"cause"}, // "transport" / "rate_limited"
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docnow",
			Name:      "active_connections",
			Help:      "Open upstream streaming connections",
		},
	)

	storageCommitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docnow",
			Name:      "storage_commit_duration_seconds",
			Help:      "Pebble batch commit latency",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	storageReadSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "docnow",
			Name:      "storage_read_duration_seconds",
			Help:      "Pebble point read latency",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		},
	)
)

var registered bool

// Register registers all collectors with the default registry. Must be
// called once from server startup.
func Register() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		ItemsReceivedTotal,
		ItemsCommittedTotal,
		DuplicatesSkippedTotal,
		DeadLettersTotal,
		QueueDepth,
		ReconnectsTotal,
		ActiveConnections,
		storageCommitSeconds,
		storageReadSeconds,
	)
}

// StorageHook implements pebblestore.MetricsHook.
type StorageHook struct{}

func (StorageHook) ObserveCommit(elapsed time.Duration, _ int) {
	storageCommitSeconds.Observe(elapsed.Seconds())
}

func (StorageHook) ObserveRead(elapsed time.Duration, _ int) {
	storageReadSeconds.Observe(elapsed.Seconds())
}
