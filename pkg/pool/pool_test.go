package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raka/chatpool/pkg/driver"
)

type fakeHandle struct {
	id string
}

func (h fakeHandle) ID() string { return h.id }

// fakeDriver is a scripted driver: every call succeeds unless an error or
// delay is armed. Safe for concurrent use.
type fakeDriver struct {
	mu        sync.Mutex
	created   int
	destroyed int

	createErr    error
	probeErr     error
	probeDelay   time.Duration
	unhealthy    bool
	injectErr    error
	extractErr   error
	extractRes   *driver.ExtractResult
	extractDelay time.Duration
}

func (d *fakeDriver) Create(ctx context.Context) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.created++
	return fakeHandle{id: fmt.Sprintf("h%d", d.created)}, nil
}

func (d *fakeDriver) Destroy(ctx context.Context, h driver.Handle) error {
	d.mu.Lock()
	d.destroyed++
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Inject(ctx context.Context, h driver.Handle, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.injectErr
}

func (d *fakeDriver) Extract(ctx context.Context, h driver.Handle, timeout time.Duration) (*driver.ExtractResult, error) {
	d.mu.Lock()
	delay := d.extractDelay
	err := d.extractErr
	res := d.extractRes
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &driver.ExtractResult{Success: true, Text: "pong", Complete: true}, nil
}

func (d *fakeDriver) Probe(ctx context.Context, h driver.Handle) (*driver.ProbeResult, error) {
	d.mu.Lock()
	delay := d.probeDelay
	err := d.probeErr
	unhealthy := d.unhealthy
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &driver.ProbeResult{Healthy: !unhealthy, CanSendMessage: !unhealthy}, nil
}

func (d *fakeDriver) set(fn func(*fakeDriver)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func (d *fakeDriver) counts() (created, destroyed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created, d.destroyed
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupAttempts = 2
	cfg.WarmupInterval = time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.InjectTimeout = time.Second
	cfg.ExtractGrace = 100 * time.Millisecond
	cfg.DefaultTimeout = time.Second
	return cfg
}

func newTestPool(t *testing.T, cfg Config, drv driver.Driver) *Pool {
	t.Helper()
	p := New(cfg, drv, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return Result{}
	}
}

func TestPoolServesRequest(t *testing.T) {
	drv := &fakeDriver{}
	p := newTestPool(t, testConfig(), drv)

	ch, err := p.Enqueue("ping", EnqueueOptions{})
	require.NoError(t, err)

	res := awaitResult(t, ch)
	assert.True(t, res.Success)
	assert.Equal(t, "pong", res.Text)
	assert.NotEmpty(t, res.SessionID)

	status := p.Status()
	assert.Equal(t, uint64(1), status.Stats.Total)
	assert.Equal(t, uint64(1), status.Stats.Succeeded)
	assert.Equal(t, uint64(1), status.Stats.SessionsCreated)
}

func TestPoolResultFiresExactlyOnce(t *testing.T) {
	drv := &fakeDriver{injectErr: errors.New("input gone")}
	p := newTestPool(t, testConfig(), drv)

	ch, err := p.Enqueue("ping", EnqueueOptions{})
	require.NoError(t, err)

	res := awaitResult(t, ch)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrInjectionFailed)

	// The channel is closed after the single resolution.
	_, open := <-ch
	assert.False(t, open)
}

func TestPoolExtractionTimeout(t *testing.T) {
	drv := &fakeDriver{extractRes: &driver.ExtractResult{Success: false, Text: "partial", Complete: false}}
	p := newTestPool(t, testConfig(), drv)

	ch, err := p.Enqueue("ping", EnqueueOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	res := awaitResult(t, ch)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrExtractionTimeout)

	status := p.Status()
	assert.Equal(t, uint64(1), status.Stats.Failed)
}

func TestPoolRotatesAfterConsecutiveFailures(t *testing.T) {
	drv := &fakeDriver{extractErr: errors.New("surface wedged")}
	cfg := testConfig()
	cfg.MaxPoolSize = 1
	p := newTestPool(t, cfg, drv)

	for i := 0; i < maxConsecutiveErrors; i++ {
		ch, err := p.Enqueue("ping", EnqueueOptions{})
		require.NoError(t, err)
		res := awaitResult(t, ch)
		assert.False(t, res.Success)
	}

	require.Eventually(t, func() bool {
		return p.Status().Stats.SessionsRotated == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, destroyed := drv.counts()
		return destroyed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolReusesSessionAtCapacity(t *testing.T) {
	drv := &fakeDriver{extractDelay: 50 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxPoolSize = 1
	p := newTestPool(t, cfg, drv)

	first, err := p.Enqueue("one", EnqueueOptions{})
	require.NoError(t, err)
	second, err := p.Enqueue("two", EnqueueOptions{})
	require.NoError(t, err)

	res1 := awaitResult(t, first)
	res2 := awaitResult(t, second)
	assert.True(t, res1.Success)
	assert.True(t, res2.Success)
	assert.Equal(t, res1.SessionID, res2.SessionID)

	created, _ := drv.counts()
	assert.Equal(t, 1, created)
}

func TestPoolQueueFullRejection(t *testing.T) {
	drv := &fakeDriver{createErr: errors.New("browser down")}
	cfg := testConfig()
	cfg.MaxQueueSize = 1
	p := newTestPool(t, cfg, drv)

	_, err := p.Enqueue("one", EnqueueOptions{})
	require.NoError(t, err)

	_, err = p.Enqueue("two", EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Rejection leaves the queue untouched.
	assert.Equal(t, 1, p.Status().QueueLength)
}

func TestPoolWarmupFailure(t *testing.T) {
	drv := &fakeDriver{unhealthy: true}
	p := newTestPool(t, testConfig(), drv)

	_, err := p.CreateSession(context.Background())
	require.ErrorIs(t, err, ErrSessionWarmupTimeout)

	status := p.Status()
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, StatusUnhealthy, status.Sessions[0].Status)
	assert.Equal(t, 1, status.Health.Unhealthy)
}

func TestPoolCreateAtCapacity(t *testing.T) {
	drv := &fakeDriver{}
	cfg := testConfig()
	cfg.MaxPoolSize = 1
	p := newTestPool(t, cfg, drv)

	_, err := p.CreateSession(context.Background())
	require.NoError(t, err)

	_, err = p.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrPoolAtCapacity)
}

func TestPoolStopFailsPending(t *testing.T) {
	drv := &fakeDriver{createErr: errors.New("browser down")}
	p := newTestPool(t, testConfig(), drv)

	ch, err := p.Enqueue("stranded", EnqueueOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	res := awaitResult(t, ch)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrPoolClosed)

	_, err = p.Enqueue("late", EnqueueOptions{})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestDispatchPrefersHigherScoringSession(t *testing.T) {
	drv := &fakeDriver{}
	cfg := testConfig()
	cfg.MaxPoolSize = 2
	p := newTestPool(t, cfg, drv)

	worn, err := p.CreateSession(context.Background())
	require.NoError(t, err)
	clean, err := p.CreateSession(context.Background())
	require.NoError(t, err)

	p.mu.Lock()
	for _, id := range []string{worn, clean} {
		p.sessions[id].LastUsedAt = time.Now().Add(-time.Minute)
	}
	p.sessions[worn].ErrorCount = 2
	p.mu.Unlock()

	ch, err := p.Enqueue("ping", EnqueueOptions{})
	require.NoError(t, err)

	res := awaitResult(t, ch)
	require.True(t, res.Success)
	assert.Equal(t, clean, res.SessionID)
}

func TestDispatchTieBreaksByFirstSeen(t *testing.T) {
	drv := &fakeDriver{}
	cfg := testConfig()
	cfg.MaxPoolSize = 2
	p := newTestPool(t, cfg, drv)

	first, err := p.CreateSession(context.Background())
	require.NoError(t, err)
	second, err := p.CreateSession(context.Background())
	require.NoError(t, err)

	p.mu.Lock()
	// Identical wear; only registration order differs.
	for _, id := range []string{first, second} {
		p.sessions[id].LastUsedAt = time.Now().Add(-time.Minute)
	}
	p.mu.Unlock()

	ch, err := p.Enqueue("ping", EnqueueOptions{})
	require.NoError(t, err)

	res := awaitResult(t, ch)
	require.True(t, res.Success)
	assert.Equal(t, first, res.SessionID)
}

func TestWarmupFailureReturnsWithoutTrailingWait(t *testing.T) {
	drv := &fakeDriver{unhealthy: true}
	cfg := testConfig()
	cfg.WarmupAttempts = 1
	cfg.WarmupInterval = 300 * time.Millisecond
	p := newTestPool(t, cfg, drv)

	start := time.Now()
	_, err := p.CreateSession(context.Background())
	require.ErrorIs(t, err, ErrSessionWarmupTimeout)

	// A single exhausted probe fails immediately, without waiting out one
	// more interval.
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestPoolRotateUnknownSession(t *testing.T) {
	p := newTestPool(t, testConfig(), &fakeDriver{})

	err := p.RotateSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPoolStatusCountsBuckets(t *testing.T) {
	drv := &fakeDriver{}
	p := newTestPool(t, testConfig(), drv)

	id, err := p.CreateSession(context.Background())
	require.NoError(t, err)

	status := p.Status()
	assert.Equal(t, 1, status.PoolSize)
	assert.Equal(t, 1, status.Health.Idle)
	assert.Equal(t, id, status.Sessions[0].ID)
}
