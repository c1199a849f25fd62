// Package metrics provides Prometheus metrics collection for the chat relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active WebSocket connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_websocket_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one member
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_rooms_total",
		Help: "Current number of rooms with at least one registered member",
	})

	// MessagesReceived tracks the total number of message frames received from clients
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_received_total",
		Help: "Total number of message frames received from clients",
	})

	// MessagesRelayed tracks the total number of messages persisted and broadcast
	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_relayed_total",
		Help: "Total number of messages persisted and broadcast to their room",
	})

	// BroadcastsDelivered tracks the total number of per-member deliveries that succeeded
	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_broadcasts_delivered_total",
		Help: "Total number of broadcast payloads accepted by a room member",
	})

	// BroadcastsDropped tracks the total number of per-member deliveries that were refused
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_broadcasts_dropped_total",
		Help: "Total number of broadcast payloads refused by a room member",
	})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// PersistFailures tracks the total number of message store writes that failed after retries
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_persist_failures_total",
		Help: "Total number of message store writes that failed after retries",
	})

	// MongoDBOperationDuration tracks the latency of MongoDB operations by operation name
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_mongodb_operation_duration_seconds",
		Help:    "Latency of MongoDB operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HistoryQueries tracks the total number of history queries by kind
	HistoryQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_history_queries_total",
		Help: "Total number of history queries by kind",
	}, []string{"kind"})

	// HTTPRequestDuration tracks the latency of HTTP requests by route and status
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_http_request_duration_seconds",
		Help:    "Latency of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
