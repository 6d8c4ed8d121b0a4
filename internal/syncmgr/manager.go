package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/metrics"
	"github.com/openmined/farmsync/internal/observe"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncerr"
	"golang.org/x/sync/errgroup"
)

// Remote is the farm API as seen by the sync manager.
type Remote interface {
	Create(ctx context.Context, kind entity.Kind, localID string, payload []byte) (string, error)
	Update(ctx context.Context, kind entity.Kind, serverID string, payload []byte) (string, error)
	Delete(ctx context.Context, kind entity.Kind, serverID string) error
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsOnline() bool
	States() *observe.Subject[connectivity.State]
}

// Manager drains the sync queue against the remote API. At most one drain cycle runs at a time.
type Manager struct {
	cfg    Config
	store  *store.Store
	remote Remote
	conn   Connectivity
	log    *slog.Logger
	now    func() time.Time

	muDrain  sync.Mutex
	inflight mapset.Set[string]
	progress *observe.Subject[Progress]
	last     atomic.Pointer[DrainResult]
	kick     chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(st *store.Store, remote Remote, conn Connectivity, cfg Config, opts ...Option) (*Manager, error) {
	if st == nil || remote == nil || conn == nil {
		return nil, errors.New("sync manager needs a store, a remote and a connectivity source")
	}
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    st,
		remote:   remote,
		conn:     conn,
		log:      slog.Default(),
		now:      time.Now,
		inflight: mapset.NewSet[string](),
		progress: observe.NewSubject[Progress](16),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Progress streams drain progress. Late subscribers receive the last published value.
func (m *Manager) Progress() *observe.Subject[Progress] {
	return m.progress
}

// Drainer adapts Drain for the connectivity monitor's ForceSync.
func (m *Manager) Drainer() connectivity.DrainFunc {
	return func(ctx context.Context) (connectivity.Outcome, error) {
		res, err := m.Drain(ctx)
		if res == nil {
			return nil, err
		}
		return res, err
	}
}

// LastResult is the result of the most recent cycle that processed anything.
func (m *Manager) LastResult() *DrainResult {
	return m.last.Load()
}

// InFlight lists the records currently being sent, as "kind/localId".
func (m *Manager) InFlight() []string {
	return m.inflight.ToSlice()
}

// Running reports whether a drain cycle is in progress.
func (m *Manager) Running() bool {
	if m.muDrain.TryLock() {
		m.muDrain.Unlock()
		return false
	}
	return true
}

// Drain runs one drain cycle and returns when no item is eligible any more.
func (m *Manager) Drain(ctx context.Context) (*DrainResult, error) {
	if !m.muDrain.TryLock() {
		return nil, syncerr.ErrDrainInProgress
	}
	defer m.muDrain.Unlock()

	if !m.conn.IsOnline() {
		metrics.DrainCyclesTotal.WithLabelValues(metrics.ResultOffline).Inc()
		return nil, syncerr.ErrNotConnected
	}

	eligible, err := m.store.Eligible(ctx)
	if err != nil {
		metrics.DrainCyclesTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}

	total := 0
	for _, n := range eligible {
		total += n
	}
	if total == 0 {
		return &DrainResult{}, nil
	}

	run := newCycle(total, m.now())
	m.progress.Publish(run.begin(""))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, kind := range entity.Kinds() {
		if eligible[kind] == 0 {
			continue
		}
		g.Go(func() error {
			return m.lane(gctx, kind, run)
		})
	}
	laneErr := g.Wait()

	final, result := run.finish(m.now())
	m.progress.Publish(final)
	m.last.Store(&result)
	m.updateQueueDepth(context.WithoutCancel(ctx))

	metrics.DrainDuration.Observe(result.Duration.Seconds())
	switch {
	case laneErr != nil:
		metrics.DrainCyclesTotal.WithLabelValues(metrics.ResultError).Inc()
	case result.Interrupted:
		metrics.DrainCyclesTotal.WithLabelValues(metrics.ResultInterrupted).Inc()
	default:
		metrics.DrainCyclesTotal.WithLabelValues(metrics.ResultCompleted).Inc()
	}

	m.log.Info("sync drain",
		"completed", result.Completed,
		"retrying", result.Retrying,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"interrupted", result.Interrupted,
		"took", result.Duration,
	)

	if laneErr != nil {
		return &result, fmt.Errorf("drain: %w", laneErr)
	}
	return &result, nil
}

// lane drains one kind in FIFO order.
func (m *Manager) lane(ctx context.Context, kind entity.Kind, run *cycle) error {
	for {
		if ctx.Err() != nil {
			run.interrupt()
			return nil
		}
		if !m.conn.IsOnline() {
			run.interrupt()
			return nil
		}

		item, err := m.store.Claim(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				run.interrupt()
				return nil
			}
			return err
		}
		if item == nil {
			return nil
		}

		// once dispatched an item runs to completion or timeout
		if err := m.process(context.WithoutCancel(ctx), item, run); err != nil {
			return err
		}
	}
}

// RetryFailed makes failed items eligible again and kicks the scheduler.
func (m *Manager) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	n, err := m.store.RetryFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("sync retry failed", "items", n)
		m.Kick()
	}
	return n, nil
}

// Kick asks the scheduler to drain as soon as possible.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) updateQueueDepth(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.log.Warn("sync queue stats", "error", err)
		return
	}
	metrics.SetQueueDepth(stats.Pending, stats.InFlight, stats.Failed)
}
