// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devopschat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devopschat_gateway_connections",
			Help: "Open WebSocket connections on the agent gateway",
		},
	)

	// RPC metrics
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_rpc_calls_total",
			Help: "RPC calls issued by the bridge, by outcome",
		},
		[]string{"method", "outcome"}, // ok, remote_error, timeout, unreachable, canceled, post_error
	)

	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devopschat_rpc_call_duration_seconds",
			Help:    "Time from posting a call to its outcome",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 12},
		},
		[]string{"method"},
	)

	RPCPendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devopschat_rpc_pending_calls",
			Help: "Calls waiting for a reply",
		},
	)

	RPCServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_rpc_served_total",
			Help: "Calls answered by the responder",
		},
		[]string{"method", "ok"},
	)

	// Bus metrics
	BusMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_bus_messages_sent_total",
			Help: "Messages written to a channel",
		},
		[]string{"channel"},
	)

	BusMessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_bus_messages_delivered_total",
			Help: "Messages handed to handlers",
		},
		[]string{"channel", "path"}, // "broadcast" or "poll"
	)

	BusMessagesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_bus_messages_evicted_total",
			Help: "Messages dropped to respect channel capacity",
		},
		[]string{"channel"},
	)

	BusMessagesSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_bus_messages_swept_total",
			Help: "Messages removed by the retention sweep",
		},
		[]string{"channel"},
	)

	BusHandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devopschat_bus_handler_panics_total",
			Help: "Handler invocations that panicked",
		},
		[]string{"channel"},
	)

	BusListenerGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devopschat_bus_listener_groups",
			Help: "Channels with at least one live handler",
		},
	)
)
