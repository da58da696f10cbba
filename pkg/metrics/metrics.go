// Package metrics exposes the server's prometheus collectors. Recording is
// gated by the server's EnableStats flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthRequests tracks the total number of handshake auth attempts by result
	AuthRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_auth_requests_total",
			Help: "Total number of handshake auth attempts by result",
		},
		[]string{"result"},
	)

	// ActiveConnections tracks the number of registered connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of registered WebSocket connections",
		},
	)

	// ActiveUsers tracks the number of distinct users with live connections
	ActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_users",
			Help: "Number of distinct users with at least one live connection",
		},
	)

	// FramesProcessed tracks inbound frames by kind
	FramesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_processed_total",
			Help: "Total number of inbound frames by kind",
		},
		[]string{"kind"},
	)

	// Deliveries tracks outbound envelope deliveries by result
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_deliveries_total",
			Help: "Total number of outbound deliveries by result",
		},
		[]string{"result"},
	)
)
