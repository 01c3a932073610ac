package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "mutations_total",
	}, []string{"op"})
	metricBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "broadcasts_total",
	})
	metricSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "subscribers_dropped_total",
	})
	metricStaleUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "stale_updates_total",
	})
	metricSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "snapshots_written_total",
	})
	metricSessionsInMemory = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "sessions_in_memory",
	})
	metricClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "drawbridge",
		Subsystem: "session",
		Name:      "clients_connected",
	})
)
