// Package metrics holds the process-wide Prometheus collectors.
//
// A dedicated registry (instead of the global default) keeps tests isolated
// and the /metrics surface explicit.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process registry exposed at /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// SnapshotsTotal counts snapshot ingestions by result (ok|invalid|failed).
	SnapshotsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatlens",
		Subsystem: "ingest",
		Name:      "snapshots_total",
		Help:      "Snapshot ingestions by result.",
	}, []string{"result"})

	// DeltasTotal counts delta ingestions by result (applied|queued|invalid).
	DeltasTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatlens",
		Subsystem: "ingest",
		Name:      "deltas_total",
		Help:      "Delta ingestions by result.",
	}, []string{"result"})

	// DeltasQueued tracks deltas currently buffered ahead of a snapshot.
	DeltasQueued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatlens",
		Subsystem: "ingest",
		Name:      "deltas_queued",
		Help:      "Deltas buffered while awaiting the user's first snapshot.",
	})

	// BusPublished counts messages published to the broadcast fabric.
	BusPublished = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "chatlens",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Messages published to the broadcast fabric.",
	})

	// BusDropped counts messages dropped on full subscriber queues.
	BusDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "chatlens",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Messages dropped due to subscriber backpressure.",
	})

	// WSConnections tracks live WebSocket connections by client type.
	WSConnections = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatlens",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Live WebSocket connections by client type.",
	}, []string{"client_type"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
