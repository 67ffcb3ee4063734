package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the collaboration core. Registered on the default
// registry and exposed via promhttp on /metrics.
var (
	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idaconnect_events_appended_total",
		Help: "Events durably appended across all branches.",
	})
	AppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idaconnect_append_failures_total",
		Help: "Appends that failed at the storage layer.",
	})
	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idaconnect_broadcasts_delivered_total",
		Help: "Event deliveries enqueued to subscribers.",
	})
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idaconnect_broadcasts_dropped_total",
		Help: "Subscribers disconnected for overflowing their queue.",
	})
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idaconnect_connections",
		Help: "Currently open client connections.",
	})
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idaconnect_subscribers",
		Help: "Currently live branch subscriptions.",
	})
	Branches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idaconnect_branches",
		Help: "Branches known to the registry.",
	})
	SnapshotsTaken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idaconnect_snapshots_taken_total",
		Help: "Snapshots produced by the compactor.",
	})
	ReplaysServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idaconnect_replays_served_total",
		Help: "Historical replays streamed to joining clients.",
	})
)
