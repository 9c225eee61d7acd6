// Package metrics provides Prometheus metrics collection for the support desk.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VisitorConnections tracks the current number of live visitor connections
	VisitorConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supportdesk_visitor_connections",
		Help: "Current number of live visitor WebSocket connections",
	})

	// AdminConnections tracks the current number of live admin connections
	AdminConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supportdesk_admin_connections",
		Help: "Current number of live admin WebSocket connections",
	})

	// ConnectionsRejected counts admissions refused, by kind and reason
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_connections_rejected_total",
		Help: "Total number of refused connection admissions",
	}, []string{"kind", "reason"})

	// AdminEvictions counts admin connections dropped after a failed send
	AdminEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportdesk_admin_evictions_total",
		Help: "Total number of admin connections evicted after a failed send",
	})

	// MessagesReceived tracks the total number of chat messages accepted, by sender
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_messages_received_total",
		Help: "Total number of chat messages accepted",
	}, []string{"sender"})

	// MessagesRouted tracks the total number of frames enqueued to connections
	MessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportdesk_messages_routed_total",
		Help: "Total number of frames enqueued to live connections",
	})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportdesk_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// GoroutinePanics counts panics recovered in background goroutines
	GoroutinePanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_goroutine_panics_total",
		Help: "Total number of panics recovered in background goroutines",
	}, []string{"component"})

	// RateLimitDenials counts governor refusals by bucket family
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_rate_limit_denials_total",
		Help: "Total number of requests refused by the rate governor",
	}, []string{"family"})

	// OTPVerifications counts login code checks by outcome
	OTPVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_otp_verifications_total",
		Help: "Total number of login code verifications by outcome",
	}, []string{"outcome"})

	// ActiveSessions tracks the current number of admin sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "supportdesk_active_sessions",
		Help: "Current number of active admin sessions",
	})

	// TokenRotations counts session token rotations by result
	TokenRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_token_rotations_total",
		Help: "Total number of session token rotations by result",
	}, []string{"result"})

	// RelayNotifications counts relay deliveries by channel and result
	RelayNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_relay_notifications_total",
		Help: "Total number of relay notifications by channel and result",
	}, []string{"channel", "result"})

	// CacheLookups counts read-through cache lookups by result
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supportdesk_cache_lookups_total",
		Help: "Total number of cache lookups by result",
	}, []string{"result"})

	// HTTPRequestDuration tracks HTTP handler latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supportdesk_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "method"})

	// MongoDBOperationDuration tracks MongoDB operation latency
	MongoDBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supportdesk_mongodb_operation_duration_seconds",
		Help:    "MongoDB operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
