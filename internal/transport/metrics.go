package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "transport",
		Name:      "state",
		Help:      "Socket state: 0 disconnected, 1 connecting, 2 open, 3 closing",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "transport",
		Name:      "reconnects_total",
		Help:      "Reconnects scheduled after unclean closures",
	})

	// Labels: outcome (delivered, malformed, unknown)
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "transport",
		Name:      "messages_total",
		Help:      "Inbound socket messages by outcome",
	}, []string{"outcome"})
)
