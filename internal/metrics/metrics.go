// Package metrics provides Prometheus instrumentation for the realtime
// server: connection and presence gauges, event and delivery counters, and
// dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripmate_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users with a registered presence connection on this
	// node.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripmate_online_users",
		Help: "Current number of online users on this node",
	})

	// MessagesTotal counts inbound client events by type and outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_messages_total",
		Help: "Inbound client events by type and outcome",
	}, []string{"type", "result"}) // result = ok, invalid, parse_error, unsupported

	// DispatchLatency records handler latency per event type.
	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripmate_dispatch_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// MessagesPersisted counts direct messages by persistence outcome.
	MessagesPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_direct_messages_total",
		Help: "Direct messages by persistence outcome",
	}, []string{"result"}) // result = stored, failed, rejected

	// NotificationsTotal counts receiver notifications by outcome.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_notifications_total",
		Help: "Receiver notifications by outcome",
	}, []string{"result"}) // result = delivered, relayed, dropped, failed

	// RoomJoins counts room joins by room kind.
	RoomJoins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_room_joins_total",
		Help: "Room joins by room kind",
	}, []string{"kind"}) // kind = conversation, trip

	// RateLimited counts events rejected by the rate limiter.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripmate_rate_limited_total",
		Help: "Client events rejected by the rate limiter",
	})

	// RelayEvents counts cross-node relay traffic by direction.
	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripmate_relay_events_total",
		Help: "Cross-node relay events by direction",
	}, []string{"direction"}) // direction = out, in, dropped
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		DispatchLatency,
		MessagesPersisted,
		NotificationsTotal,
		RoomJoins,
		RateLimited,
		RelayEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
