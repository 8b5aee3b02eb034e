package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echoroom_connections_active",
		Help: "Number of admitted connections",
	})

	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echoroom_connections_total",
		Help: "Total number of admitted connections",
	})

	identitiesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echoroom_identities_online",
		Help: "Number of identities with a bound connection",
	})

	presenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoroom_presence_transitions_total",
			Help: "Total number of connection state transitions",
		},
		[]string{"transition"}, // authenticate, supersede, join, leave, logout, disconnect
	)

	messagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoroom_messages_posted_total",
			Help: "Total number of accepted messages",
		},
		[]string{"kind"},
	)

	messagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoroom_messages_rejected_total",
			Help: "Total number of rejected message posts",
		},
		[]string{"kind", "reason"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoroom_deliveries_total",
			Help: "Total number of per-recipient event deliveries",
		},
		[]string{"status"}, // sent, dropped
	)

	fanoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echoroom_fanout_latency_seconds",
		Help:    "Time from accepting a message to the end of its fanout",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})
)
