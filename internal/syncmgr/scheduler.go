package syncmgr

import (
	"context"
	"errors"
	"time"

	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncerr"
)

// Start runs the drain scheduler until ctx is done or Stop is called.
//
// A drain is triggered by the periodic interval, by connectivity coming back,
// by local writes (debounced by KickDelay), by Kick, and when the earliest
// backing-off item becomes eligible.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("sync manager already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	states := m.conn.States().Subscribe()
	changes := m.store.Changes().Subscribe()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer states.Unsubscribe()
		defer changes.Unsubscribe()
		m.run(ctx, states.C(), changes.C())
	}()

	m.log.Info("sync manager start", "interval", m.cfg.Interval, "concurrency", m.cfg.Concurrency, "maxAttempts", m.cfg.MaxAttempts)
	return nil
}

func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.log.Info("sync manager stop")
}

func (m *Manager) run(ctx context.Context, states <-chan connectivity.State, changes <-chan store.Change) {
	// using timers and not tickers so a slow drain does not queue up triggers
	interval := time.NewTimer(m.cfg.Interval)
	defer interval.Stop()

	debounce := time.NewTimer(time.Hour)
	stopTimer(debounce)
	defer debounce.Stop()
	debouncing := false

	retry := time.NewTimer(time.Hour)
	stopTimer(retry)
	defer retry.Stop()

	// the replayed state counts as a transition, so a start while online drains right away
	online := false

	trigger := func(reason string) {
		m.runCycle(ctx, reason)
		m.scheduleRetry(ctx, retry)
		resetTimer(interval, m.cfg.Interval)
	}

	m.scheduleRetry(ctx, retry)

	for {
		select {
		case <-ctx.Done():
			return

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			wasOnline := online
			online = st.IsOnline
			if online && !wasOnline {
				trigger("online")
			}

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !debouncing {
				debouncing = true
				resetTimer(debounce, m.cfg.KickDelay)
			}

		case <-debounce.C:
			debouncing = false
			trigger("write")

		case <-m.kick:
			trigger("kick")

		case <-retry.C:
			trigger("backoff")

		case <-interval.C:
			trigger("interval")
		}
	}
}

func (m *Manager) runCycle(ctx context.Context, reason string) {
	res, err := m.Drain(ctx)
	switch {
	case err == nil:
		if res.Processed() > 0 {
			m.log.Debug("sync cycle", "trigger", reason, "processed", res.Processed())
		}
	case errors.Is(err, syncerr.ErrNotConnected), errors.Is(err, syncerr.ErrDrainInProgress), errors.Is(err, context.Canceled):
		m.log.Debug("sync cycle skipped", "trigger", reason, "reason", err)
	default:
		m.log.Error("sync cycle", "trigger", reason, "error", err)
	}
}

// scheduleRetry arms t for the earliest backing-off item, if any.
func (m *Manager) scheduleRetry(ctx context.Context, t *time.Timer) {
	next, ok, err := m.store.NextEligibleAt(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("sync next attempt", "error", err)
		}
		return
	}
	if !ok {
		stopTimer(t)
		return
	}
	resetTimer(t, max(next.Sub(m.now()), time.Millisecond))
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
