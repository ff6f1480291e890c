package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_sessions_active",
		Help: "Number of open conversation sessions",
	})

	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_transport_reconnects_total",
		Help: "Total channel reconnect attempts",
	})

	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_frames_total",
		Help: "Channel frames by direction and type",
	}, []string{"direction", "type"})

	metricSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_sends_total",
		Help: "Message send attempts by outcome",
	}, []string{"outcome"})

	metricReconcileMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "murmur_reconcile_miss_total",
		Help: "Confirmations that found no pending record",
	})
)

// Send outcome label values.
const (
	sendOutcomeChannel  = "channel"
	sendOutcomeFallback = "fallback"
	sendOutcomeFailed   = "failed"
	sendOutcomeRejected = "rejected"
)
