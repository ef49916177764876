package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMASeedsFirstSample(t *testing.T) {
	assert.Equal(t, 250.0, ema(0, 250, sessionLatencyAlpha))
}

func TestEMABlendsTowardSample(t *testing.T) {
	// 100 + 0.1*(200-100) = 110
	assert.InDelta(t, 110.0, ema(100, 200, poolLatencyBeta), 0.001)

	// 100 + 0.3*(200-100) = 130
	assert.InDelta(t, 130.0, ema(100, 200, sessionLatencyAlpha), 0.001)
}

func TestRecordRequestCounters(t *testing.T) {
	var tr statsTracker

	tr.recordRequest(100, true)
	tr.recordRequest(200, true)
	tr.recordRequest(0, false)

	snap := tr.snapshot()
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, uint64(2), snap.Succeeded)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestRecordRequestFailureLeavesLatency(t *testing.T) {
	var tr statsTracker

	tr.recordRequest(100, true)
	before := tr.AvgLatencyMs

	tr.recordRequest(0, false)
	assert.Equal(t, before, tr.AvgLatencyMs)
}
