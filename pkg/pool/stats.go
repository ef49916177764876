package pool

// EMA smoothing factors: sessions react quickly to their own latency shifts,
// the pool-wide average moves slowly.
const (
	sessionLatencyAlpha = 0.3
	poolLatencyBeta     = 0.1
)

// ema folds a new sample into a recency-weighted running average. The first
// sample seeds the average directly.
func ema(avg, sample, weight float64) float64 {
	if avg == 0 {
		return sample
	}
	return avg + weight*(sample-avg)
}

// statsTracker accumulates pool-wide counters and EMA latency. Mutated only
// under the pool mutex; never reset except by process restart.
type statsTracker struct {
	Total           uint64
	Succeeded       uint64
	Failed          uint64
	SessionsCreated uint64
	SessionsRotated uint64
	AvgLatencyMs    float64
}

// recordRequest folds one completed request into the counters. Latency is
// only tracked for successes; failed requests have no meaningful latency.
func (t *statsTracker) recordRequest(latencyMs float64, success bool) {
	t.Total++
	if success {
		t.Succeeded++
		t.AvgLatencyMs = ema(t.AvgLatencyMs, latencyMs, poolLatencyBeta)
	} else {
		t.Failed++
	}
}

// StatsSnapshot is a copy of the counters for status reporting.
type StatsSnapshot struct {
	Total           uint64  `json:"total"`
	Succeeded       uint64  `json:"succeeded"`
	Failed          uint64  `json:"failed"`
	SessionsCreated uint64  `json:"sessionsCreated"`
	SessionsRotated uint64  `json:"sessionsRotated"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
}

func (t *statsTracker) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:           t.Total,
		Succeeded:       t.Succeeded,
		Failed:          t.Failed,
		SessionsCreated: t.SessionsCreated,
		SessionsRotated: t.SessionsRotated,
		AvgLatencyMs:    t.AvgLatencyMs,
	}
}
