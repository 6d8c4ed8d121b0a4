package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/farmsync/internal/metrics"
	"github.com/openmined/farmsync/internal/observe"
	"github.com/openmined/farmsync/internal/syncerr"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultSlowThreshold = 1500 * time.Millisecond
	DefaultProbeInterval = 30 * time.Second
)

var ErrNoDrainer = errors.New("connectivity: no sync drainer configured")

// Prober checks the remote health endpoint.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Outcome is what a drain cycle reports back through ForceSync.
type Outcome interface {
	Processed() int
}

// DrainFunc runs a sync drain cycle and returns its outcome.
type DrainFunc func(ctx context.Context) (Outcome, error)

type Config struct {
	ProbeTimeout  time.Duration
	SlowThreshold time.Duration
	Interval      time.Duration
}

func (c *Config) withDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = DefaultSlowThreshold
	}
	if c.Interval <= 0 {
		c.Interval = DefaultProbeInterval
	}
}

// Monitor keeps a single best-effort estimate of reachability.
//
// Network events are cheap hints: offline takes effect immediately, online only
// triggers a probe. Probes never overlap; concurrent checks share the one in flight.
type Monitor struct {
	cfg    Config
	prober Prober
	now    func() time.Time
	log    *slog.Logger

	mu      sync.Mutex
	current State
	// bumped by NotifyOffline so a probe started earlier cannot report online afterwards
	generation uint64
	drain      DrainFunc

	states  *observe.Subject[State]
	group   singleflight.Group
	probes  atomic.Int64
	visible atomic.Bool
	wake    chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// WithDrainer sets the function ForceSync calls.
func WithDrainer(fn DrainFunc) Option {
	return func(m *Monitor) {
		m.drain = fn
	}
}

func NewMonitor(prober Prober, cfg Config, opts ...Option) *Monitor {
	cfg.withDefaults()
	m := &Monitor{
		cfg:     cfg,
		prober:  prober,
		now:     time.Now,
		log:     slog.Default(),
		current: offlineState(),
		states:  observe.NewSubject[State](8),
		wake:    make(chan struct{}, 1),
	}
	m.visible.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	m.states.Publish(m.current)
	return m
}

// SetDrainer replaces the function ForceSync calls.
func (m *Monitor) SetDrainer(fn DrainFunc) {
	m.mu.Lock()
	m.drain = fn
	m.mu.Unlock()
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) IsOnline() bool {
	return m.State().IsOnline
}

// States streams every state change. New subscribers receive the current state first.
func (m *Monitor) States() *observe.Subject[State] {
	return m.states
}

// Probes is the number of probes actually sent.
func (m *Monitor) Probes() int64 {
	return m.probes.Load()
}

// NotifyOffline records a network-down event. It never probes.
func (m *Monitor) NotifyOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	if !m.current.IsOnline && m.current.Source != sourceInitial {
		return
	}
	st := m.current
	st.IsOnline = false
	st.Quality = QualityOffline
	st.Latency = 0
	st.LastError = "network unavailable"
	st.Source = sourceNetwork
	m.setLocked(st)
	m.log.Info("connectivity offline", "source", sourceNetwork)
}

// NotifyOnline records a network-up event and probes in the background to confirm it.
// It is ignored once the monitor is stopped.
func (m *Monitor) NotifyOnline() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopped {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.Check(context.Background())
	}()
}

// Check probes the remote now, or waits for the probe already in flight.
// When the result is offline the error wraps syncerr.ErrNotConnected.
func (m *Monitor) Check(ctx context.Context) (State, error) {
	ch := m.group.DoChan("probe", func() (any, error) {
		return m.probe(), nil
	})

	select {
	case <-ctx.Done():
		return m.State(), ctx.Err()
	case res := <-ch:
		st := res.Val.(State)
		if !st.IsOnline {
			return st, fmt.Errorf("%w: %s", syncerr.ErrNotConnected, st.LastError)
		}
		return st, nil
	}
}

// ForceSync runs a drain right away when online and returns that drain's outcome.
func (m *Monitor) ForceSync(ctx context.Context) (Outcome, error) {
	m.mu.Lock()
	online := m.current.IsOnline
	drain := m.drain
	m.mu.Unlock()

	if !online {
		return nil, syncerr.ErrNotConnected
	}
	if drain == nil {
		return nil, ErrNoDrainer
	}
	return drain(ctx)
}

// SetVisible pauses (false) or resumes (true) periodic probing.
func (m *Monitor) SetVisible(visible bool) {
	if m.visible.Swap(visible) == visible {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) Visible() bool {
	return m.visible.Load()
}

// Start launches the periodic probe loop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("connectivity monitor already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = false

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()

	m.log.Info("connectivity monitor start", "interval", m.cfg.Interval, "slow", m.cfg.SlowThreshold)
	return nil
}

func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.stopped = true
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.wake:
			if m.visible.Load() {
				resetTimer(timer, 0)
			}

		case <-timer.C:
			if m.visible.Load() {
				_, _ = m.Check(ctx)
			}
			timer.Reset(m.cfg.Interval)
		}
	}
}

func (m *Monitor) probe() State {
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	m.probes.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	latency, err := m.prober.Ping(ctx)
	cancel()

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.current
	st.LastChecked = now
	st.Source = sourceProbe

	switch {
	case err != nil:
		st.IsOnline = false
		st.Quality = QualityOffline
		st.Latency = 0
		st.LastError = err.Error()
	case gen != m.generation:
		// the network went down while we were probing
		st.IsOnline = false
		st.Quality = QualityOffline
		st.Latency = latency
		st.LastError = "network unavailable"
	default:
		st.IsOnline = true
		st.Latency = latency
		st.LastOnline = now
		st.LastError = ""
		st.Quality = QualityGood
		if latency > m.cfg.SlowThreshold {
			st.Quality = QualityPoor
		}
		metrics.ProbeLatency.Observe(latency.Seconds())
	}

	metrics.ProbesTotal.WithLabelValues(st.Quality.String()).Inc()
	prev := m.current
	m.setLocked(st)

	if prev.IsOnline != st.IsOnline || prev.Quality != st.Quality {
		m.log.Info("connectivity", "online", st.IsOnline, "quality", st.Quality, "latency", latency, "error", st.LastError)
	}
	return st
}

func (m *Monitor) setLocked(st State) {
	m.current = st
	metrics.SetOnline(st.IsOnline)
	m.states.Publish(st)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
