package pool

import (
	"math"
	"time"
)

// Scoring constants. A session starts at the base score and loses points for
// each sign of wear; the dispatcher picks the highest-scoring idle session.
const (
	scoreBase = 100.0

	penaltyPerError            = 10.0
	penaltyPerConsecutiveError = 20.0
	latencyPenaltyCap          = 50.0
	penaltyTooFresh            = 5.0
	penaltyStale               = 10.0
	penaltyAged                = 20.0
	penaltyOverused            = 15.0

	freshWindow = 5 * time.Second
	staleWindow = 300 * time.Second
)

// sessionScore computes the dispatch score for a session at a point in time.
// Deterministic: same inputs, same score.
func sessionScore(s *session, now time.Time, maxAge time.Duration, rotationThreshold int) float64 {
	score := scoreBase

	score -= float64(s.ErrorCount) * penaltyPerError
	score -= float64(s.ConsecutiveErrors) * penaltyPerConsecutiveError
	score -= math.Min(s.AvgLatencyMs/100, latencyPenaltyCap)

	sinceUsed := now.Sub(s.LastUsedAt)
	if sinceUsed < freshWindow {
		score -= penaltyTooFresh
	}
	if sinceUsed > staleWindow {
		score -= penaltyStale
	}

	if now.Sub(s.CreatedAt) > maxAge {
		score -= penaltyAged
	}
	if s.RequestCount > rotationThreshold {
		score -= penaltyOverused
	}

	return math.Max(score, 0)
}
