package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voidlink-backend/internal/domain"
)

// Call metrics for monitoring the call lifecycle and signaling path
var (
	// Lifecycle metrics
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of outbound call attempts",
	}, []string{"call_type"})

	CallsConnectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_connected_total",
		Help: "Total number of calls that reached the connected state",
	})

	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of calls reaching a terminal state",
	}, []string{"status"})

	CallsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_failed_total",
		Help: "Total number of call attempts aborted by an error",
	}, []string{"reason"}) // "media_access", "signal_delivery", "negotiation"

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of connected calls",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active",
		Help: "Current number of active or ringing calls on this instance",
	})

	// Signaling metrics
	SignalsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signal_published_total",
		Help: "Total number of signals published to the relay",
	}, []string{"signal_type", "status"})

	SignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signal_dropped_total",
		Help: "Total number of inbound signals dropped",
	}, []string{"reason"}) // "malformed", "terminal", "unknown_call", "duplicate"

	// Quality metrics
	ConnectionQualityRating = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "call_connection_quality",
		Help: "Latest connection quality rating per call (0=disconnected .. 4=excellent)",
	}, []string{"call_id"})
)

var qualityScores = map[domain.QualityRating]float64{
	domain.QualityDisconnected: 0,
	domain.QualityPoor:         1,
	domain.QualityFair:         2,
	domain.QualityGood:         3,
	domain.QualityExcellent:    4,
}

// ObserveConnectionQuality records the latest quality sample for a call.
func ObserveConnectionQuality(callID string, rating domain.QualityRating) {
	ConnectionQualityRating.WithLabelValues(callID).Set(qualityScores[rating])
}

// ForgetConnectionQuality drops a finished call's quality series so the
// per-call label set does not grow without bound.
func ForgetConnectionQuality(callID string) {
	ConnectionQualityRating.DeleteLabelValues(callID)
}
