package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink-backend/internal/domain"
)

func TestRateConnection(t *testing.T) {
	tests := []struct {
		name       string
		packetLoss int
		latencyMs  float64
		want       domain.QualityRating
	}{
		{"clean link", 0, 50, domain.QualityExcellent},
		{"excellent boundary", 0, 99.9, domain.QualityExcellent},
		{"latency pushes to good", 0, 100, domain.QualityGood},
		{"loss pushes to good", 2, 50, domain.QualityGood},
		{"good midband", 2, 150, domain.QualityGood},
		{"fair", 4, 350, domain.QualityFair},
		{"latency pushes to fair", 0, 200, domain.QualityFair},
		{"loss tolerated at fair latency", 6, 300, domain.QualityFair},
		{"poor", 9, 799, domain.QualityPoor},
		{"heavy loss and latency", 12, 900, domain.QualityDisconnected},
		{"latency beyond poor", 0, 800, domain.QualityDisconnected},
		{"loss beyond poor", 10, 50, domain.QualityDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RateConnection(tt.packetLoss, tt.latencyMs))
		})
	}
}

func TestQualityBucket(t *testing.T) {
	assert.Equal(t, "good", QualityBucket(domain.QualityExcellent))
	assert.Equal(t, "good", QualityBucket(domain.QualityGood))
	assert.Equal(t, "poor", QualityBucket(domain.QualityFair))
	assert.Equal(t, "bad", QualityBucket(domain.QualityPoor))
	assert.Equal(t, "bad", QualityBucket(domain.QualityDisconnected))
}

// scriptedStatsSource replays a fixed series of snapshots, one per call.
type scriptedStatsSource struct {
	mu      sync.Mutex
	samples []domain.CallStats
	ok      []bool
	idx     int
}

func (s *scriptedStatsSource) Stats() (domain.CallStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.samples) {
		return domain.CallStats{}, false
	}
	stats, ok := s.samples[s.idx], s.ok[s.idx]
	s.idx++
	return stats, ok
}

func TestQualityMonitorBitrateFromDeltas(t *testing.T) {
	base := time.Now()
	source := &scriptedStatsSource{
		samples: []domain.CallStats{
			{BytesReceived: 1_000_000, RoundTripMs: 50, Timestamp: base},
			{BytesReceived: 1_125_000, RoundTripMs: 50, Timestamp: base.Add(time.Second)},
		},
		ok: []bool{true, true},
	}

	var mu sync.Mutex
	var got []domain.ConnectionQuality
	monitor := NewQualityMonitor(source, 5*time.Millisecond, func(q domain.ConnectionQuality, _ domain.CallStats) {
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
	}, nil)

	monitor.Start()
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// No prior sample to diff against: first tick reports 0.
	assert.Zero(t, got[0].BitrateKbps)
	// 125000 bytes over one second of stats time is 1000 kbps.
	assert.InDelta(t, 1000.0, got[1].BitrateKbps, 0.001)
	assert.Equal(t, domain.QualityExcellent, got[1].Rating)
}

func TestQualityMonitorSkipsNotOKTicks(t *testing.T) {
	base := time.Now()
	source := &scriptedStatsSource{
		samples: []domain.CallStats{
			{},
			{BytesReceived: 500, RoundTripMs: 250, Timestamp: base},
		},
		ok: []bool{false, true},
	}

	var mu sync.Mutex
	var got []domain.ConnectionQuality
	monitor := NewQualityMonitor(source, 5*time.Millisecond, func(q domain.ConnectionQuality, _ domain.CallStats) {
		mu.Lock()
		got = append(got, q)
		mu.Unlock()
	}, nil)

	monitor.Start()
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// The not-ok tick produced no sample at all.
	assert.Equal(t, domain.QualityFair, got[0].Rating)
}

func TestQualityMonitorStopClearsLatest(t *testing.T) {
	source := &scriptedStatsSource{
		samples: []domain.CallStats{{BytesReceived: 100, RoundTripMs: 10, Timestamp: time.Now()}},
		ok:      []bool{true},
	}
	monitor := NewQualityMonitor(source, 5*time.Millisecond, nil, nil)
	monitor.Start()

	require.Eventually(t, func() bool {
		q, _ := monitor.Latest()
		return q != nil
	}, time.Second, 5*time.Millisecond)

	monitor.Stop()
	q, s := monitor.Latest()
	assert.Nil(t, q)
	assert.Nil(t, s)

	// Second stop is a no-op.
	monitor.Stop()
}

func TestQualityMonitorStartIsIdempotent(t *testing.T) {
	source := &scriptedStatsSource{}
	monitor := NewQualityMonitor(source, time.Millisecond, nil, nil)
	monitor.Start()
	monitor.Start()
	monitor.Stop()
}
