// Package metrics provides Prometheus instrumentation for the Whisper voice
// server. It exposes gauges for connections, queue and call counts, counters
// for signaling throughput, and histograms for match and call timing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineParticipants tracks identities with a registered live handle.
	OnlineParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_online_participants",
		Help: "Current number of identified participants online",
	})

	// SignalingTotal counts relay frames, labeled by outcome: "relayed" or
	// "dropped".
	SignalingTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_signaling_messages_total",
		Help: "Total number of signaling messages handled",
	}, []string{"outcome"})

	// MatchesTotal counts committed matches.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_matches_total",
		Help: "Total number of committed matches",
	})

	// MatchScore records the score of committed matches.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_score",
		Help:    "Score of committed matches",
		Buckets: []float64{50, 75, 100, 125, 150, 175, 200},
	})

	// MatchDuration records the time from joining the queue to match found.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_duration_seconds",
		Help:    "Time from queue join to match found",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30, 60},
	})

	// CallDuration records the length of closed calls.
	CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_call_duration_seconds",
		Help:    "Duration of closed calls",
		Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// ActiveCalls tracks the current number of open call sessions.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_calls",
		Help: "Current number of active call sessions",
	})

	// MatchQueueSize tracks the current number of participants in the queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_match_queue_size",
		Help: "Current number of participants in matching queue",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineParticipants,
		SignalingTotal,
		MatchesTotal,
		MatchScore,
		MatchDuration,
		CallDuration,
		ActiveCalls,
		MatchQueueSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
