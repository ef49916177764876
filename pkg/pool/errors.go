package pool

import "errors"

// Error taxonomy. Admission and lifecycle errors surface synchronously;
// per-request failures arrive inside a Result, wrapped around one of these
// sentinels so callers can classify with errors.Is.
var (
	// ErrQueueFull is returned synchronously by Enqueue when the queue is
	// saturated. No request object is created.
	ErrQueueFull = errors.New("request queue full")

	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("pool is shut down")

	// ErrPoolAtCapacity is returned by CreateSession when the pool already
	// holds maxPoolSize sessions (including ones being created).
	ErrPoolAtCapacity = errors.New("pool at capacity")

	// ErrSessionNotFound is returned when rotating an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionCreationFailed wraps driver failures to create a handle.
	ErrSessionCreationFailed = errors.New("session creation failed")

	// ErrSessionWarmupTimeout is returned when a new session never passes
	// its initial health probes. The session stays registered as unhealthy
	// until the health monitor reclaims it.
	ErrSessionWarmupTimeout = errors.New("session warmup timed out")

	// ErrInjectionFailed wraps prompt injection failures.
	ErrInjectionFailed = errors.New("prompt injection failed")

	// ErrExtractionTimeout wraps extraction deadline expiries.
	ErrExtractionTimeout = errors.New("response extraction timed out")
)
