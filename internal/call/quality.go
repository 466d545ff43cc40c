package call

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"voidlink-backend/internal/domain"
)

// DefaultStatsInterval is how often transport statistics are sampled
// while a call is connected.
const DefaultStatsInterval = time.Second

// StatsSource supplies raw transport counters. The second return must be
// false when the transport is gone or not connected so the monitor skips
// that tick instead of sampling a stale handle.
type StatsSource interface {
	Stats() (domain.CallStats, bool)
}

// RateConnection maps packet loss and round-trip latency to a discrete
// quality rating. Thresholds are fixed, most restrictive first. The two
// middle tiers share the loss bound: loss bursts below the drop-off
// threshold degrade the rating by latency alone.
func RateConnection(packetLoss int, latencyMs float64) domain.QualityRating {
	switch {
	case latencyMs < 100 && packetLoss < 1:
		return domain.QualityExcellent
	case latencyMs < 200 && packetLoss < 3:
		return domain.QualityGood
	case latencyMs < 400 && packetLoss < 10:
		return domain.QualityFair
	case latencyMs < 800 && packetLoss < 10:
		return domain.QualityPoor
	default:
		return domain.QualityDisconnected
	}
}

// QualityBucket collapses a rating into the coarse good/poor/bad bucket
// the UI consumes.
func QualityBucket(r domain.QualityRating) string {
	switch r {
	case domain.QualityExcellent, domain.QualityGood:
		return "good"
	case domain.QualityFair:
		return "poor"
	default:
		return "bad"
	}
}

// QualityMonitor samples a StatsSource once per interval while running
// and derives ConnectionQuality snapshots. It must only be started once
// the transport reports connected, and every tick re-checks the source
// before sampling.
type QualityMonitor struct {
	source   StatsSource
	interval time.Duration
	log      *zap.Logger
	onSample func(domain.ConnectionQuality, domain.CallStats)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	prev    *domain.CallStats
	quality *domain.ConnectionQuality
	stats   *domain.CallStats
}

// NewQualityMonitor creates a monitor. onSample may be nil; when set it
// is invoked after each successful sampling tick.
func NewQualityMonitor(source StatsSource, interval time.Duration, onSample func(domain.ConnectionQuality, domain.CallStats), log *zap.Logger) *QualityMonitor {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &QualityMonitor{
		source:   source,
		interval: interval,
		log:      log,
		onSample: onSample,
	}
}

// Start begins sampling. Idempotent while running.
func (m *QualityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	go m.loop(m.stop)
}

// Stop ends sampling and clears the latest quality/stats. Idempotent.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	m.prev = nil
	m.quality = nil
	m.stats = nil
}

// Latest returns the most recent quality and stats snapshots, or nils
// when monitoring is stopped or no sample has completed yet.
func (m *QualityMonitor) Latest() (*domain.ConnectionQuality, *domain.CallStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality, m.stats
}

func (m *QualityMonitor) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample pulls one counter snapshot and derives quality. A source that
// reports not-ok (transport destroyed or not connected) skips the tick;
// transient stat failures are swallowed the same way.
func (m *QualityMonitor) sample() {
	stats, ok := m.source.Stats()
	if !ok {
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	quality := domain.ConnectionQuality{
		Rating:     RateConnection(stats.PacketsLost, stats.RoundTripMs),
		PacketLoss: stats.PacketsLost,
		LatencyMs:  stats.RoundTripMs,
		JitterMs:   stats.JitterMs,
	}

	// Bitrate is a rate over the sampling interval. The first sample has
	// no prior delta and reports 0.
	if m.prev != nil {
		elapsed := stats.Timestamp.Sub(m.prev.Timestamp).Seconds()
		if elapsed > 0 && stats.BytesReceived >= m.prev.BytesReceived {
			quality.BitrateKbps = float64(stats.BytesReceived-m.prev.BytesReceived) * 8 / elapsed / 1000
		}
	}

	prev := stats
	m.prev = &prev
	m.quality = &quality
	m.stats = &stats
	cb := m.onSample
	m.mu.Unlock()

	if cb != nil {
		cb(quality, stats)
	}
}
