package syncclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: op (create, update, delete), outcome (ok, failed)
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "client",
		Name:      "writes_total",
		Help:      "Backend write calls by operation and outcome",
	}, []string{"op", "outcome"})

	// Labels: event (status_create, status_update, status_delete, load), outcome
	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "client",
		Name:      "reconcile_total",
		Help:      "Reconciliation passes by event type and outcome",
	}, []string{"event", "outcome"})

	// Labels: op
	dedupedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "client",
		Name:      "deduped_total",
		Help:      "Operations dropped because an identical one was in flight",
	}, []string{"op"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "client",
		Name:      "coalesced_total",
		Help:      "Queued edits merged or dropped before flushing",
	})

	noopTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "client",
		Name:      "noop_updates_total",
		Help:      "Updates suppressed because no field changed",
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gridsync",
		Subsystem: "client",
		Name:      "batch_items",
		Help:      "Items per flushed batch",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	})
)
