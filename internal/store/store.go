package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/farmsync/internal/db"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/observe"
	"github.com/openmined/farmsync/internal/syncerr"
)

// fixed width so that TEXT comparison orders timestamps
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Change describes a mutation made to the store.
type Change struct {
	Kind      entity.Kind
	LocalID   string
	Operation entity.Operation
	// Reset is set for clear and import, which replace everything.
	Reset bool
}

// Store is the local durable store: entity tables plus the sync queue.
// All writes run in a single sqlite transaction.
type Store struct {
	db      *sqlx.DB
	path    string
	now     func() time.Time
	changes *observe.Subject[Change]

	// afterClearTable runs inside the clear transaction after each table is emptied
	afterClearTable func(table string) error
}

type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithClearHook is called after each table is emptied during ClearAll and
// ImportSnapshot. Returning an error aborts and rolls back the whole operation.
func WithClearHook(fn func(table string) error) Option {
	return func(s *Store) {
		s.afterClearTable = fn
	}
}

// Open opens (or creates) the store at path. An empty path opens an in-memory store.
func Open(path string, opts ...Option) (*Store, error) {
	dbOpts := []db.Option{db.WithMaxOpenConns(1)}
	if path != "" {
		dbOpts = append(dbOpts, db.WithPath(path))
	}

	conn, err := db.Open(dbOpts...)
	if err != nil {
		return nil, syncerr.Storage("open", err)
	}

	s, err := New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.path = path
	return s, nil
}

// New wraps an existing connection, migrating the schema and recovering items
// left in flight by an unclean shutdown.
func New(conn *sqlx.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:      conn,
		now:     time.Now,
		changes: observe.NewSubject[Change](64),
	}
	for _, opt := range opts {
		opt(s)
	}

	version, err := db.Migrate(conn, migrations())
	if err != nil {
		return nil, syncerr.Storage("migrate", err)
	}

	recovered, err := s.RecoverInFlight(context.Background())
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		slog.Warn("store recovered in-flight queue items", "count", recovered)
	}

	slog.Debug("store open", "schema", version, "path", s.path)
	return s, nil
}

func (s *Store) Close() error {
	s.changes.Close()
	if s.db == nil {
		return nil
	}
	if s.path != "" {
		if err := db.Checkpoint(s.db); err != nil {
			slog.Warn("store close", "error", err)
		}
	}
	return s.db.Close()
}

// Path is the database file, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Changes streams every committed mutation.
func (s *Store) Changes() *observe.Subject[Change] {
	return s.changes
}

func (s *Store) nowUTC() time.Time {
	return s.now().UTC()
}

// withTx runs fn in a transaction; any error rolls everything back.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return syncerr.Storage(op, fmt.Errorf("begin: %w", err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
			slog.Error("store rollback", "op", op, "error", rbErr)
		}
		return syncerr.Storage(op, err)
	}

	if err := tx.Commit(); err != nil {
		return syncerr.Storage(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate rows written by hand or by older builds
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
