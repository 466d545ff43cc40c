package domain

import "time"

// QualityRating is the discrete connection quality bucket derived from
// packet loss and round-trip time each sampling tick.
type QualityRating string

const (
	QualityExcellent    QualityRating = "excellent"
	QualityGood         QualityRating = "good"
	QualityFair         QualityRating = "fair"
	QualityPoor         QualityRating = "poor"
	QualityDisconnected QualityRating = "disconnected"
)

// ConnectionQuality is the derived, ephemeral quality snapshot recomputed
// every sampling tick while a call is connected. BitrateKbps is a rate
// over the sampling interval, not a cumulative counter.
type ConnectionQuality struct {
	Rating      QualityRating `json:"rating"`
	BitrateKbps float64       `json:"bitrate_kbps"`
	PacketLoss  int           `json:"packet_loss"`
	LatencyMs   float64       `json:"latency_ms"`
	JitterMs    float64       `json:"jitter_ms"`
}

// CallStats is a raw snapshot of transport-level counters pulled from the
// media transport. Byte counters are cumulative since transport creation.
type CallStats struct {
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	PacketsLost   int       `json:"packets_lost"`
	RoundTripMs   float64   `json:"round_trip_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	FrameRate     float64   `json:"frame_rate,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
