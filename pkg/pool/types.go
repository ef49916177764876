// Package pool implements the session pool and request dispatcher: it admits
// prioritized prompts into a bounded queue, matches them to the best-scoring
// healthy session, drives each request through the automation driver, and
// rotates sessions that degrade. All pool state is serialized behind one
// mutex; only driver calls run concurrently, bounded by the pool size.
package pool

import (
	"time"

	"github.com/raka/chatpool/pkg/driver"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusWarmingUp      Status = "warming_up"
	StatusIdle           Status = "idle"
	StatusBusy           Status = "busy"
	StatusRotationNeeded Status = "rotation_needed"
	StatusUnhealthy      Status = "unhealthy"
)

// Priority orders queued requests.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// session wraps one resource handle. Owned exclusively by the pool; every
// field mutation happens under the pool mutex.
type session struct {
	ID                string
	Handle            driver.Handle
	Status            Status
	CreatedAt         time.Time
	LastUsedAt        time.Time
	RequestCount      int
	ErrorCount        int
	ConsecutiveErrors int
	AvgLatencyMs      float64
	LastHealth        *driver.ProbeResult
}

// SessionInfo is a point-in-time copy of a session's state for status
// reporting.
type SessionInfo struct {
	ID                string              `json:"id"`
	Status            Status              `json:"status"`
	CreatedAt         time.Time           `json:"createdAt"`
	LastUsedAt        time.Time           `json:"lastUsedAt"`
	RequestCount      int                 `json:"requestCount"`
	ErrorCount        int                 `json:"errorCount"`
	ConsecutiveErrors int                 `json:"consecutiveErrors"`
	AvgLatencyMs      float64             `json:"avgLatencyMs"`
	LastHealth        *driver.ProbeResult `json:"lastHealth,omitempty"`
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:                s.ID,
		Status:            s.Status,
		CreatedAt:         s.CreatedAt,
		LastUsedAt:        s.LastUsedAt,
		RequestCount:      s.RequestCount,
		ErrorCount:        s.ErrorCount,
		ConsecutiveErrors: s.ConsecutiveErrors,
		AvgLatencyMs:      s.AvgLatencyMs,
		LastHealth:        s.LastHealth,
	}
}

// request is one queued unit of work. Its result channel fires exactly once.
type request struct {
	ID        string
	Prompt    string
	Priority  Priority
	Timeout   time.Duration
	CreatedAt time.Time
	result    chan Result
}

// resolve fires the request's completion. Each request flows through exactly
// one completion path; the channel is buffered so resolution never blocks on
// an absent reader.
func (r *request) resolve(res Result) {
	r.result <- res
	close(r.result)
}

// Result is the outcome of a request. Failures are carried as data, never as
// a dropped completion.
type Result struct {
	Success      bool          `json:"success"`
	Text         string        `json:"text,omitempty"`
	Err          error         `json:"-"`
	SessionID    string        `json:"sessionId,omitempty"`
	ResponseTime time.Duration `json:"responseTimeMs,omitempty"`
}

// EnqueueOptions configures one submitted prompt.
type EnqueueOptions struct {
	Priority Priority
	Timeout  time.Duration
}

// Health is a status-bucket summary of pool sessions.
type Health struct {
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
	Unhealthy int `json:"unhealthy"`
}

// PoolStatus is the aggregate view exposed by Status().
type PoolStatus struct {
	PoolSize    int           `json:"poolSize"`
	MaxPoolSize int           `json:"maxPoolSize"`
	QueueLength int           `json:"queueLength"`
	Sessions    []SessionInfo `json:"sessions"`
	Stats       StatsSnapshot `json:"stats"`
	Health      Health        `json:"health"`
}
