package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/raka/chatpool/internal/metrics"
	"github.com/raka/chatpool/pkg/driver"
)

// Config holds pool sizing and timing knobs.
type Config struct {
	MaxPoolSize       int
	MaxQueueSize      int
	RotationThreshold int
	SessionMaxAge     time.Duration
	HealthInterval    time.Duration
	WarmupAttempts    int
	WarmupInterval    time.Duration
	InjectTimeout     time.Duration
	ExtractGrace      time.Duration
	ProbeTimeout      time.Duration
	DefaultTimeout    time.Duration
	QueueWarnAfter    time.Duration
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:       3,
		MaxQueueSize:      50,
		RotationThreshold: 30,
		SessionMaxAge:     30 * time.Minute,
		HealthInterval:    30 * time.Second,
		WarmupAttempts:    10,
		WarmupInterval:    2 * time.Second,
		InjectTimeout:     10 * time.Second,
		ExtractGrace:      2 * time.Second,
		ProbeTimeout:      10 * time.Second,
		DefaultTimeout:    60 * time.Second,
		QueueWarnAfter:    15 * time.Second,
	}
}

// A session is rotated after this many consecutive failed requests.
const maxConsecutiveErrors = 3

// Pool owns the sessions, the request queue, the dispatcher, and the health
// monitor. All state transitions are serialized behind mu; driver calls run
// in goroutines outside the lock, at most one in flight per session.
type Pool struct {
	cfg     Config
	driver  driver.Driver
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	order    []string // insertion order, breaks score ties
	queue    requestQueue
	creating int // sessions reserved but not yet registered
	stats    statsTracker
	closed   bool

	monitor *healthMonitor
	wg      sync.WaitGroup
}

// New constructs a pool. The metrics argument may be nil (tests).
func New(cfg Config, drv driver.Driver, m *metrics.Metrics, logger zerolog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = def.RotationThreshold
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = def.SessionMaxAge
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.WarmupAttempts <= 0 {
		cfg.WarmupAttempts = def.WarmupAttempts
	}
	if cfg.WarmupInterval <= 0 {
		cfg.WarmupInterval = def.WarmupInterval
	}
	if cfg.InjectTimeout <= 0 {
		cfg.InjectTimeout = def.InjectTimeout
	}
	if cfg.ExtractGrace <= 0 {
		cfg.ExtractGrace = def.ExtractGrace
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}

	p := &Pool{
		cfg:      cfg,
		driver:   drv,
		metrics:  m,
		logger:   logger.With().Str("component", "pool").Logger(),
		sessions: make(map[string]*session),
	}
	p.monitor = newHealthMonitor(p)

	return p
}

// Start launches the health monitor.
func (p *Pool) Start() error {
	return p.monitor.Start(p.cfg.HealthInterval)
}

// Enqueue admits a prompt into the queue and triggers dispatch. Fails
// synchronously with ErrQueueFull when saturated; no request object is
// created in that case. The returned channel fires exactly once.
func (p *Pool) Enqueue(prompt string, opts EnqueueOptions) (<-chan Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.queue.Len() >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.QueueRejections.Inc()
		}
		return nil, ErrQueueFull
	}

	req := &request{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Priority:  priority,
		Timeout:   timeout,
		CreatedAt: time.Now(),
		result:    make(chan Result, 1),
	}
	p.queue.Push(req)
	queueLen := p.queue.Len()
	p.mu.Unlock()

	p.logger.Debug().
		Str("request", req.ID).
		Str("priority", string(priority)).
		Int("queueLen", queueLen).
		Msg("Request enqueued")
	p.updateGauges()

	p.dispatch()

	return req.result, nil
}

// dispatch drains the queue onto idle sessions. Runs until the queue is
// empty, no session is assignable, or the pool is at capacity with nothing
// idle. Re-triggered by every enqueue, completion, creation, and rotation.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.closed || p.queue.Len() == 0 {
			p.mu.Unlock()
			return
		}

		sess := p.bestIdle(time.Now())
		if sess == nil {
			canCreate := len(p.sessions)+p.creating < p.cfg.MaxPoolSize
			p.mu.Unlock()
			if canCreate {
				p.spawnSession()
			}
			return
		}

		req := p.queue.Pop()
		sess.Status = StatusBusy
		sess.LastUsedAt = time.Now()
		sess.RequestCount++
		p.mu.Unlock()
		p.updateGauges()

		if wait := time.Since(req.CreatedAt); p.cfg.QueueWarnAfter > 0 && wait > p.cfg.QueueWarnAfter {
			p.logger.Warn().
				Str("request", req.ID).
				Dur("waited", wait).
				Msg("Request waited longer than expected")
		}

		p.wg.Add(1)
		go func(sess *session, req *request) {
			defer p.wg.Done()
			p.process(sess, req)
		}(sess, req)
	}
}

// bestIdle returns the highest-scoring idle session, ties broken by
// first-seen order. Must be called with the lock held.
func (p *Pool) bestIdle(now time.Time) *session {
	var best *session
	bestScore := -1.0

	for _, id := range p.order {
		sess := p.sessions[id]
		if sess == nil || sess.Status != StatusIdle {
			continue
		}
		score := sessionScore(sess, now, p.cfg.SessionMaxAge, p.cfg.RotationThreshold)
		if score > bestScore {
			best = sess
			bestScore = score
		}
	}

	return best
}

// spawnSession asynchronously creates a session and re-triggers dispatch when
// it lands. Creation failures are logged but not retried here; the next
// enqueue, completion, or health sweep tries again. Redispatching on failure
// would spin while the driver cannot create sessions.
func (p *Pool) spawnSession() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.CreateSession(context.Background()); err != nil {
			if !errors.Is(err, ErrPoolAtCapacity) && !errors.Is(err, ErrPoolClosed) {
				p.logger.Warn().Err(err).Msg("Session creation failed")
			}
			return
		}
		p.dispatch()
	}()
}

// CreateSession creates a new session and warms it up: the driver allocates a
// handle, the session registers as WarmingUp, and repeated probes (with a
// nudge partway through) must report healthy before it turns Idle. On warmup
// exhaustion the session stays registered as Unhealthy for the health monitor
// to reclaim.
func (p *Pool) CreateSession(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if len(p.sessions)+p.creating >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return "", ErrPoolAtCapacity
	}
	p.creating++
	p.mu.Unlock()

	handle, err := p.driver.Create(ctx)
	if err != nil {
		p.mu.Lock()
		p.creating--
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	id, err := gonanoid.New()
	if err != nil {
		p.mu.Lock()
		p.creating--
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrSessionCreationFailed, err)
	}

	now := time.Now()
	sess := &session{
		ID:         id,
		Handle:     handle,
		Status:     StatusWarmingUp,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	p.mu.Lock()
	p.creating--
	p.sessions[id] = sess
	p.order = append(p.order, id)
	p.stats.SessionsCreated++
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SessionsCreatedTotal.Inc()
	}
	p.updateGauges()
	p.logger.Info().Str("session", id).Msg("Session created, warming up")

	if err := p.warmup(ctx, sess); err != nil {
		return "", err
	}

	return id, nil
}

// warmup probes a WarmingUp session until it reports healthy, nudging the
// surface halfway through the attempts when the driver supports it.
func (p *Pool) warmup(ctx context.Context, sess *session) error {
	attempts := p.cfg.WarmupAttempts
	nudgeAt := attempts / 2

	for attempt := 1; attempt <= attempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		probe, err := p.driver.Probe(probeCtx, sess.Handle)
		cancel()

		if err == nil && probe.Healthy {
			p.mu.Lock()
			// The session may have been reclaimed while we probed.
			if current, ok := p.sessions[sess.ID]; ok && current == sess {
				sess.Status = StatusIdle
				sess.LastHealth = probe
			}
			p.mu.Unlock()
			p.logger.Info().
				Str("session", sess.ID).
				Int("attempts", attempt).
				Msg("Session warmed up")
			return nil
		}

		if attempt == nudgeAt {
			if nudger, ok := p.driver.(driver.Nudger); ok {
				if err := nudger.Nudge(ctx, sess.Handle); err != nil {
					p.logger.Debug().Err(err).Str("session", sess.ID).Msg("Nudge failed")
				}
			}
		}

		// No wait after the last probe; the outcome is already decided.
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return p.failWarmup(sess, ctx.Err())
		case <-time.After(p.cfg.WarmupInterval):
		}
	}

	return p.failWarmup(sess, nil)
}

func (p *Pool) failWarmup(sess *session, cause error) error {
	p.mu.Lock()
	if current, ok := p.sessions[sess.ID]; ok && current == sess {
		sess.Status = StatusUnhealthy
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.WarmupFailuresTotal.Inc()
	}
	p.logger.Warn().Str("session", sess.ID).Msg("Session warmup exhausted")

	if cause != nil {
		return fmt.Errorf("%w: %v", ErrSessionWarmupTimeout, cause)
	}
	return fmt.Errorf("%w: session %s", ErrSessionWarmupTimeout, sess.ID)
}

// process drives one request against its assigned session: injection under a
// short fixed timeout, then extraction raced against the request timeout plus
// grace. Every path fires the request's completion exactly once and
// re-triggers dispatch.
func (p *Pool) process(sess *session, req *request) {
	start := time.Now()

	injectCtx, cancel := context.WithTimeout(context.Background(), p.cfg.InjectTimeout)
	err := p.driver.Inject(injectCtx, sess.Handle, req.Prompt)
	cancel()
	if err != nil {
		p.completeFailure(sess, req, fmt.Errorf("%w: %v", ErrInjectionFailed, err), time.Since(start))
		return
	}

	extractCtx, cancel := context.WithTimeout(context.Background(), req.Timeout+p.cfg.ExtractGrace)
	extracted, err := p.driver.Extract(extractCtx, sess.Handle, req.Timeout)
	cancel()
	if err != nil || extracted == nil || !extracted.Success {
		if err == nil {
			err = fmt.Errorf("%w: incomplete response", ErrExtractionTimeout)
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
		}
		p.completeFailure(sess, req, err, time.Since(start))
		return
	}

	p.completeSuccess(sess, req, extracted.Text, time.Since(start))
}

func (p *Pool) completeSuccess(sess *session, req *request, text string, elapsed time.Duration) {
	latencyMs := float64(elapsed.Milliseconds())

	p.mu.Lock()
	sess.AvgLatencyMs = ema(sess.AvgLatencyMs, latencyMs, sessionLatencyAlpha)
	sess.ConsecutiveErrors = 0
	p.stats.recordRequest(latencyMs, true)
	if sess.RequestCount >= p.cfg.RotationThreshold {
		// Reclaimed by the next health monitor sweep, not immediately.
		sess.Status = StatusRotationNeeded
	} else {
		sess.Status = StatusIdle
	}
	p.mu.Unlock()

	req.resolve(Result{
		Success:      true,
		Text:         text,
		SessionID:    sess.ID,
		ResponseTime: elapsed,
	})

	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues("success").Inc()
		p.metrics.RequestDuration.Observe(elapsed.Seconds())
	}
	p.logger.Debug().
		Str("session", sess.ID).
		Str("request", req.ID).
		Dur("elapsed", elapsed).
		Msg("Request completed")
	p.updateGauges()

	p.dispatch()
}

func (p *Pool) completeFailure(sess *session, req *request, cause error, elapsed time.Duration) {
	p.mu.Lock()
	sess.ErrorCount++
	sess.ConsecutiveErrors++
	p.stats.recordRequest(0, false)
	consecutive := sess.ConsecutiveErrors
	unhealthy := consecutive >= maxConsecutiveErrors
	if unhealthy {
		sess.Status = StatusUnhealthy
	} else {
		sess.Status = StatusIdle
	}
	p.mu.Unlock()

	req.resolve(Result{
		Success:      false,
		Err:          cause,
		SessionID:    sess.ID,
		ResponseTime: elapsed,
	})

	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues("failure").Inc()
	}
	p.logger.Warn().
		Err(cause).
		Str("session", sess.ID).
		Str("request", req.ID).
		Int("consecutiveErrors", consecutive).
		Msg("Request failed")

	if unhealthy {
		if err := p.RotateSession(context.Background(), sess.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			p.logger.Warn().Err(err).Str("session", sess.ID).Msg("Rotation failed")
		}
	}
	p.updateGauges()

	p.dispatch()
}

// RotateSession removes a session from the pool, releases its handle, and
// requests a best-effort replacement when below capacity.
func (p *Pool) RotateSession(ctx context.Context, id string) error {
	return p.rotate(id, false)
}

// rotate removes a session. With skipBusy set the removal is abandoned when
// the session is Busy at removal time: the sweep works from a snapshot that
// can go stale while earlier candidates are probed, and a session picked up
// by the dispatcher in that window must keep its handle until the request
// finishes. The next sweep catches it.
func (p *Pool) rotate(id string, skipBusy bool) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return ErrSessionNotFound
	}
	if skipBusy && sess.Status == StatusBusy {
		p.mu.Unlock()
		return nil
	}
	delete(p.sessions, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.stats.SessionsRotated++
	replace := !p.closed && len(p.sessions)+p.creating < p.cfg.MaxPoolSize
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SessionsRotatedTotal.Inc()
	}
	p.updateGauges()
	p.logger.Info().Str("session", id).Msg("Session rotated")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.driver.Destroy(destroyCtx, sess.Handle); err != nil {
			p.logger.Warn().Err(err).Str("session", id).Msg("Handle destroy failed")
		}
	}()

	if replace {
		p.spawnSession()
	}

	return nil
}

// Status returns a point-in-time aggregate view of the pool.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PoolStatus{
		PoolSize:    len(p.sessions),
		MaxPoolSize: p.cfg.MaxPoolSize,
		QueueLength: p.queue.Len(),
		Sessions:    make([]SessionInfo, 0, len(p.sessions)),
		Stats:       p.stats.snapshot(),
	}

	for _, id := range p.order {
		sess := p.sessions[id]
		if sess == nil {
			continue
		}
		status.Sessions = append(status.Sessions, sess.info())
		switch sess.Status {
		case StatusIdle:
			status.Health.Idle++
		case StatusBusy:
			status.Health.Busy++
		case StatusUnhealthy:
			status.Health.Unhealthy++
		}
	}

	return status
}

// Tuning holds the knobs that may change at runtime via config reload.
type Tuning struct {
	RotationThreshold int
	SessionMaxAge     time.Duration
	QueueWarnAfter    time.Duration
}

// ApplyTuning updates runtime-adjustable settings. Sizing and the health
// interval require a restart.
func (p *Pool) ApplyTuning(t Tuning) {
	p.mu.Lock()
	if t.RotationThreshold > 0 {
		p.cfg.RotationThreshold = t.RotationThreshold
	}
	if t.SessionMaxAge > 0 {
		p.cfg.SessionMaxAge = t.SessionMaxAge
	}
	if t.QueueWarnAfter > 0 {
		p.cfg.QueueWarnAfter = t.QueueWarnAfter
	}
	p.mu.Unlock()

	p.logger.Info().Msg("Pool tuning updated")
}

// Stop shuts the pool down: pending requests fail with ErrPoolClosed,
// in-flight work is awaited up to the context deadline, and every handle is
// released. The pool degrades rather than crashes; Stop is the only fatal
// transition.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue.Drain()
	p.mu.Unlock()

	p.monitor.Stop()

	for _, req := range pending {
		req.resolve(Result{Success: false, Err: ErrPoolClosed})
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("Timed out waiting for in-flight requests")
	}

	p.mu.Lock()
	handles := make([]driver.Handle, 0, len(p.sessions))
	for id, sess := range p.sessions {
		handles = append(handles, sess.Handle)
		delete(p.sessions, id)
	}
	p.order = nil
	p.mu.Unlock()

	for _, h := range handles {
		destroyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.driver.Destroy(destroyCtx, h); err != nil {
			p.logger.Warn().Err(err).Msg("Handle destroy failed during shutdown")
		}
		cancel()
	}

	p.logger.Info().Msg("Pool stopped")
	return nil
}

// updateGauges pushes queue depth and session count to the metrics registry.
func (p *Pool) updateGauges() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	queueLen := p.queue.Len()
	active := len(p.sessions)
	p.mu.Unlock()

	p.metrics.QueueDepth.Set(float64(queueLen))
	p.metrics.SessionsActive.Set(float64(active))
}
