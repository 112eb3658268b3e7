package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the Prometheus registry used by this package
	Registry = prometheus.NewRegistry()

	sessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of authenticated chat sessions",
		},
	)

	connectionsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of accepted connections",
		},
	)

	loginsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "chat_logins_total",
			Help: "Total number of successful logins",
		},
	)

	messagesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of messages delivered by kind",
		},
		[]string{"kind"},
	)

	kicksTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "chat_kicks_total",
			Help: "Total number of forced disconnects",
		},
	)
)
