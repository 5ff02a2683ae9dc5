package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_feed",
		Name:      "frames_received_total",
		Help:      "Decoded feed frames by kind",
	}, []string{"kind"})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "market_feed",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped as malformed, unknown or non-binary",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_feed",
		Name:      "sessions_total",
		Help:      "Feed sessions by outcome",
	}, []string{"outcome"})

	controlMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_feed",
		Name:      "control_messages_total",
		Help:      "Control frames sent by operation",
	}, []string{"op"})

	subscribedInstruments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "market_feed",
		Name:      "subscribed_instruments",
		Help:      "Instruments currently marked subscribed",
	}, []string{"client_id"})

	reconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "market_feed",
		Name:      "reconnect_delay_seconds",
		Help:      "Sleep before a reconnect attempt",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 90, 120},
	})
)
