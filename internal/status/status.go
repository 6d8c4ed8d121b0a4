package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/observe"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncmgr"
)

// MaxImportSize bounds snapshot documents accepted by ImportOfflineData.
const MaxImportSize = 64 << 20

var ErrImportTooLarge = errors.New("snapshot document too large")

// Status is the aggregated view the UI renders.
type Status struct {
	PendingSyncCount  int                  `json:"pendingSyncCount"`
	FailedCount       int                  `json:"failedCount"`
	RetryingCount     int                  `json:"retryingCount"`
	InFlightCount     int                  `json:"inFlightCount"`
	IsOnline          bool                 `json:"isOnline"`
	ConnectionQuality connectivity.Quality `json:"connectionQuality"`
	LastOnline        *time.Time           `json:"lastOnline"`
	LastChecked       *time.Time           `json:"lastChecked,omitempty"`
	Latency           time.Duration        `json:"latency"`
	SyncProgress      *syncmgr.Progress    `json:"syncProgress"`
	ByKind            map[entity.Kind]int  `json:"byKind,omitempty"`
}

// NeedsAttention is true when some items exhausted their automatic retries.
func (s Status) NeedsAttention() bool {
	return s.FailedCount > 0
}

// Monitor is the connectivity side of the status surface.
type Monitor interface {
	State() connectivity.State
	States() *observe.Subject[connectivity.State]
	Check(ctx context.Context) (connectivity.State, error)
	ForceSync(ctx context.Context) (connectivity.Outcome, error)
}

// Syncer is the sync manager side of the status surface.
type Syncer interface {
	Progress() *observe.Subject[syncmgr.Progress]
	RetryFailed(ctx context.Context, ids ...int64) (int, error)
}

// Service aggregates store, monitor and sync manager state. It never retries
// or changes queue state itself; user actions are passed through.
type Service struct {
	store   *store.Store
	monitor Monitor
	syncer  Syncer
	log     *slog.Logger

	statuses *observe.Subject[Status]

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st *store.Store, monitor Monitor, syncer Syncer) *Service {
	return &Service{
		store:    st,
		monitor:  monitor,
		syncer:   syncer,
		log:      slog.Default(),
		statuses: observe.NewSubject[Status](16),
	}
}

// Status computes the current status.
func (s *Service) Status(ctx context.Context) (Status, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	conn := s.monitor.State()
	out := Status{
		PendingSyncCount:  stats.Total,
		FailedCount:       stats.Failed,
		RetryingCount:     stats.Retrying,
		InFlightCount:     stats.InFlight,
		IsOnline:          conn.IsOnline,
		ConnectionQuality: conn.Quality,
		Latency:           conn.Latency,
		ByKind:            stats.ByKind,
	}
	if !conn.LastOnline.IsZero() {
		t := conn.LastOnline
		out.LastOnline = &t
	}
	if !conn.LastChecked.IsZero() {
		t := conn.LastChecked
		out.LastChecked = &t
	}
	if p, ok := s.syncer.Progress().Last(); ok {
		out.SyncProgress = &p
	}
	return out, nil
}

// Statuses streams status updates. New subscribers receive the latest status first.
func (s *Service) Statuses() *observe.Subject[Status] {
	return s.statuses
}

// Subscribe is a shortcut for Statuses().Subscribe().
func (s *Service) Subscribe() *observe.Subscription[Status] {
	return s.statuses.Subscribe()
}

// Start recomputes and publishes the status whenever connectivity, sync progress or the store changes.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return errors.New("status service already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	states := s.monitor.States().Subscribe()
	progress := s.syncer.Progress().Subscribe()
	changes := s.store.Changes().Subscribe()

	s.publish(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer states.Unsubscribe()
		defer progress.Unsubscribe()
		defer changes.Unsubscribe()

		statesC, progressC, changesC := states.C(), progress.C(), changes.C()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-statesC:
				if !ok {
					statesC = nil
					continue
				}
			case _, ok := <-progressC:
				if !ok {
					progressC = nil
					continue
				}
			case _, ok := <-changesC:
				if !ok {
					changesC = nil
					continue
				}
			}
			s.publish(ctx)
		}
	}()
	return nil
}

func (s *Service) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Service) publish(ctx context.Context) {
	st, err := s.Status(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("status refresh", "error", err)
		}
		return
	}
	s.statuses.Publish(st)
}

// ForceSync drains now. It fails with syncerr.ErrNotConnected when offline.
func (s *Service) ForceSync(ctx context.Context) (*syncmgr.DrainResult, error) {
	out, err := s.monitor.ForceSync(ctx)
	res, _ := out.(*syncmgr.DrainResult)
	return res, err
}

// CheckConnection probes the remote now.
func (s *Service) CheckConnection(ctx context.Context) (connectivity.State, error) {
	return s.monitor.Check(ctx)
}

// QueueEntry is a queue item as shown to the user.
type QueueEntry struct {
	entity.QueueItem
	NeedsAttention bool `json:"needsAttention"`
	WillRetry      bool `json:"willRetry"`
}

func (s *Service) QueueItems(ctx context.Context, filter store.QueueFilter) ([]QueueEntry, error) {
	items, err := s.store.Items(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, len(items))
	for i := range items {
		out[i] = QueueEntry{
			QueueItem:      items[i],
			NeedsAttention: items[i].NeedsAttention(),
			WillRetry:      items[i].WillRetry(),
		}
	}
	return out, nil
}

// RetryFailed hands failed items back to the sync manager.
func (s *Service) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	return s.syncer.RetryFailed(ctx, ids...)
}

func (s *Service) ExportOfflineData(ctx context.Context, w io.Writer) (*store.Snapshot, error) {
	snap, err := s.store.WriteSnapshot(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("export offline data: %w", err)
	}
	s.log.Info("offline data exported", "records", snap.RecordCount(), "queue", len(snap.Queue))
	return snap, nil
}

// ImportOfflineData replaces all local data with a snapshot document. On any
// error, including syncerr.FormatError, existing data is left untouched.
func (s *Service) ImportOfflineData(ctx context.Context, r io.Reader) (*store.ImportStats, error) {
	doc, err := io.ReadAll(io.LimitReader(r, MaxImportSize+1))
	if err != nil {
		return nil, fmt.Errorf("import offline data: %w", err)
	}
	if len(doc) > MaxImportSize {
		return nil, ErrImportTooLarge
	}

	stats, err := s.store.ImportSnapshot(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("import offline data: %w", err)
	}
	s.log.Info("offline data imported", "records", stats.Records, "queue", stats.QueueItems)
	return stats, nil
}

// ClearOfflineData wipes every table and the queue in one transaction.
func (s *Service) ClearOfflineData(ctx context.Context) error {
	if err := s.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear offline data: %w", err)
	}
	s.log.Info("offline data cleared")
	return nil
}
