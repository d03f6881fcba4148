package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. One Metrics may be
// shared by every Instance in a process.
type Metrics struct {
	EventsCommitted   prometheus.Counter
	EventsDuplicate   prometheus.Counter
	EventsConflict    prometheus.Counter
	EventsInvalid     *prometheus.CounterVec
	SnapshotsWritten  prometheus.Counter
	SnapshotsRejected prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	Resyncs           *prometheus.CounterVec
	Hydrations        prometheus.Counter
	ReplayedEvents    prometheus.Counter
	HydrationDuration prometheus.Histogram
	BroadcastFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_events_committed_total",
			Help: "Events newly written to a session log",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_events_duplicate_total",
			Help: "Events whose eventId was already committed",
		}),
		EventsConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_events_conflict_total",
			Help: "Duplicate eventIds offered with a different type or payload",
		}),
		EventsInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorelog_events_invalid_total",
			Help: "Events rejected before commit, by diagnostic code",
		}, []string{"code"}),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_snapshots_written_total",
			Help: "Checkpoints written",
		}),
		SnapshotsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_snapshots_rejected_total",
			Help: "Stored checkpoints skipped because their state hash did not verify",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorelog_replication_messages_total",
			Help: "Replication messages applied, by type",
		}, []string{"type"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorelog_resyncs_total",
			Help: "Full reloads from the store, by reason",
		}, []string{"reason"}),
		Hydrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_hydrations_total",
			Help: "Completed hydrations (open and rehydrate)",
		}),
		ReplayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_replayed_events_total",
			Help: "Events folded during full loads",
		}),
		HydrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorelog_hydration_duration_seconds",
			Help:    "Time to load a session from its store",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorelog_broadcast_failures_total",
			Help: "Replication announcements that could not be sent",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsCommitted, m.EventsDuplicate, m.EventsConflict, m.EventsInvalid,
			m.SnapshotsWritten, m.SnapshotsRejected, m.MessagesReceived, m.Resyncs,
			m.Hydrations, m.ReplayedEvents, m.HydrationDuration, m.BroadcastFailures,
		)
	}
	return m
}
