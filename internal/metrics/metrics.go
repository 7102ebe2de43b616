// Package metrics exposes Prometheus instrumentation for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Number of currently active WebSocket connections",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of accepted WebSocket connections",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Total number of messages received from clients",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total number of messages enqueued to clients",
	})
	RateLimitedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total number of inbound messages rejected by the rate limiter",
	})
	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_consumer_drops_total",
		Help: "Total number of broadcasts dropped because a send queue was full",
	})
	SlowConsumerCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_consumer_closes_total",
		Help: "Total number of connections closed as slow consumers",
	})
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Total number of broadcast envelopes by channel topic",
	}, []string{"topic"})
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of dispatched requests by topic and outcome",
	}, []string{"topic", "outcome"})
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_breaker_state",
		Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
	}, []string{"service"})
)
