package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: route, status
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "status"})

	// Labels: type (status_create, status_update, status_delete)
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "server",
		Name:      "broadcasts_total",
		Help:      "Socket broadcasts by event type",
	}, []string{"type"})

	socketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsync",
		Subsystem: "server",
		Name:      "socket_clients",
		Help:      "Connected socket clients",
	})
)
