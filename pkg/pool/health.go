package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raka/chatpool/pkg/driver"
)

// healthMonitor runs the periodic sweep that reclaims unhealthy, aged, and
// rotation-marked sessions. It is the only path that bounds the lifetime of
// every session: it runs even when the queue is empty.
type healthMonitor struct {
	pool *Pool
	cron *cron.Cron
}

func newHealthMonitor(p *Pool) *healthMonitor {
	return &healthMonitor{pool: p}
}

// Start schedules the sweep at a fixed interval.
func (m *healthMonitor) Start(interval time.Duration) error {
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), m.pool.Sweep); err != nil {
		return fmt.Errorf("failed to schedule health sweep: %w", err)
	}
	c.Start()
	m.cron = c

	m.pool.logger.Info().Dur("interval", interval).Msg("Health monitor started")
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (m *healthMonitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// Sweep inspects every session that is not Busy: sessions already marked
// Unhealthy or RotationNeeded are rotated, sessions past their max age are
// rotated regardless of health, and the rest are probed. Probes run outside
// the pool lock; a session that turned Busy mid-probe is left alone and
// caught by the next sweep.
func (p *Pool) Sweep() {
	type candidate struct {
		id        string
		handle    driver.Handle
		status    Status
		createdAt time.Time
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	maxAge := p.cfg.SessionMaxAge
	candidates := make([]candidate, 0, len(p.sessions))
	for _, id := range p.order {
		sess := p.sessions[id]
		if sess == nil || sess.Status == StatusBusy || sess.Status == StatusWarmingUp {
			continue
		}
		candidates = append(candidates, candidate{
			id:        sess.ID,
			handle:    sess.Handle,
			status:    sess.Status,
			createdAt: sess.CreatedAt,
		})
	}
	p.mu.Unlock()

	now := time.Now()
	for _, c := range candidates {
		switch {
		case c.status == StatusUnhealthy || c.status == StatusRotationNeeded:
			p.sweepRotate(c.id, string(c.status))

		case now.Sub(c.createdAt) > maxAge:
			// Aged out: rotated even while idle and healthy.
			p.sweepRotate(c.id, "aged")

		default:
			probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
			probe, err := p.driver.Probe(probeCtx, c.handle)
			cancel()

			p.mu.Lock()
			sess, ok := p.sessions[c.id]
			if !ok || sess.Status == StatusBusy {
				p.mu.Unlock()
				continue
			}
			if err != nil || !probe.Healthy {
				sess.Status = StatusUnhealthy
				p.mu.Unlock()
				if err != nil {
					p.logger.Warn().Err(err).Str("session", c.id).Msg("Health probe failed")
				}
				p.sweepRotate(c.id, "unhealthy")
				continue
			}
			sess.LastHealth = probe
			p.mu.Unlock()
		}
	}

	// Queued work may have been stranded by an earlier creation failure.
	p.dispatch()
}

// sweepRotate rotates one sweep candidate. The removal skips sessions that
// turned Busy after the snapshot was taken.
func (p *Pool) sweepRotate(id, reason string) {
	p.logger.Info().Str("session", id).Str("reason", reason).Msg("Health sweep rotating session")
	if err := p.rotate(id, true); err != nil && !errors.Is(err, ErrSessionNotFound) {
		p.logger.Warn().Err(err).Str("session", id).Msg("Sweep rotation failed")
	}
}
