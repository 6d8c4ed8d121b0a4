package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/syncerr"
)

// dbRecord is used for scanning records, times are stored as TEXT.
type dbRecord struct {
	LocalID           string         `db:"local_id"`
	ServerID          sql.NullString `db:"server_id"`
	Data              string         `db:"data"`
	Revision          int64          `db:"revision"`
	ConfirmedRevision int64          `db:"confirmed_revision"`
	PendingSync       bool           `db:"pending_sync"`
	Tombstoned        bool           `db:"tombstoned"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
}

func (r *dbRecord) toRecord(kind entity.Kind) entity.Record {
	rec := entity.Record{
		LocalID:           r.LocalID,
		Kind:              kind,
		Data:              []byte(r.Data),
		Revision:          r.Revision,
		ConfirmedRevision: r.ConfirmedRevision,
		PendingSync:       r.PendingSync,
		Tombstoned:        r.Tombstoned,
		CreatedAt:         parseTime(r.CreatedAt),
		UpdatedAt:         parseTime(r.UpdatedAt),
	}
	if r.ServerID.Valid && r.ServerID.String != "" {
		id := r.ServerID.String
		rec.ServerID = &id
	}
	return rec
}

func fromRecord(r *entity.Record) dbRecord {
	data := string(r.Data)
	if data == "" {
		data = "{}"
	}
	row := dbRecord{
		LocalID:           r.LocalID,
		Data:              data,
		Revision:          r.Revision,
		ConfirmedRevision: r.ConfirmedRevision,
		PendingSync:       r.PendingSync,
		Tombstoned:        r.Tombstoned,
		CreatedAt:         formatTime(r.CreatedAt),
		UpdatedAt:         formatTime(r.UpdatedAt),
	}
	if r.HasServerID() {
		row.ServerID = sql.NullString{String: *r.ServerID, Valid: true}
	}
	return row
}

// ListOptions filters List.
type ListOptions struct {
	IncludeTombstoned bool
	PendingOnly       bool
	Limit             int
}

// Put upserts a record's draft data and enqueues a create (no server id yet) or update.
// When the record's create or update has failed, the new draft replaces that
// item's payload and it is retried instead. An empty localID creates a new record.
func (s *Store) Put(ctx context.Context, kind entity.Kind, localID string, data []byte) (*entity.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("put: unknown entity kind %q", kind)
	}
	data, err := compact(data)
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}
	if localID == "" {
		localID = uuid.NewString()
	}

	var out entity.Record
	err = s.withTx(ctx, "put", func(tx *sqlx.Tx) error {
		now := s.nowUTC()

		current, err := getRecord(ctx, tx, kind, localID)
		switch {
		case errors.Is(err, syncerr.ErrRecordNotFound):
			current = &entity.Record{LocalID: localID, Kind: kind, CreatedAt: now}
		case err != nil:
			return err
		case current.Tombstoned:
			return fmt.Errorf("%w: %s %s is deleted", syncerr.ErrRecordNotFound, kind, localID)
		}

		current.Data = data
		current.Revision++
		current.PendingSync = true
		current.UpdatedAt = now
		if err := upsertRecord(ctx, tx, kind, current); err != nil {
			return err
		}

		out = *current
		out.Kind = kind

		revised, err := reviseFailed(ctx, tx, kind, localID, data, current.Revision, now)
		if err != nil || revised {
			return err
		}

		op := entity.OpUpdate
		if !current.HasServerID() {
			createQueued, err := hasQueuedOp(ctx, tx, kind, localID, entity.OpCreate)
			if err != nil {
				return err
			}
			if !createQueued {
				op = entity.OpCreate
			}
		}

		return enqueue(ctx, tx, &entity.QueueItem{
			Kind:          kind,
			Operation:     op,
			Payload:       data,
			LocalRecordID: localID,
			Revision:      current.Revision,
			EnqueuedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.changes.Publish(Change{Kind: kind, LocalID: localID, Operation: entity.OpUpdate})
	return &out, nil
}

// Remove tombstones a record and enqueues its delete. The row is purged once the delete syncs.
func (s *Store) Remove(ctx context.Context, kind entity.Kind, localID string) error {
	if !kind.Valid() {
		return fmt.Errorf("remove: unknown entity kind %q", kind)
	}

	removed := false
	err := s.withTx(ctx, "remove", func(tx *sqlx.Tx) error {
		now := s.nowUTC()

		current, err := getRecord(ctx, tx, kind, localID)
		if err != nil {
			return err
		}
		if current.Tombstoned {
			return nil
		}

		current.Tombstoned = true
		current.PendingSync = true
		current.Revision++
		current.UpdatedAt = now
		if err := upsertRecord(ctx, tx, kind, current); err != nil {
			return err
		}

		key, err := deleteKey(current)
		if err != nil {
			return err
		}
		removed = true
		return enqueue(ctx, tx, &entity.QueueItem{
			Kind:          kind,
			Operation:     entity.OpDelete,
			Payload:       key,
			LocalRecordID: localID,
			Revision:      current.Revision,
			EnqueuedAt:    now,
		})
	})
	if err != nil {
		return err
	}

	if removed {
		s.changes.Publish(Change{Kind: kind, LocalID: localID, Operation: entity.OpDelete})
	}
	return nil
}

// BulkLoad inserts records as already synced; nothing is queued.
func (s *Store) BulkLoad(ctx context.Context, kind entity.Kind, records []entity.Record) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("bulk load: unknown entity kind %q", kind)
	}

	err := s.withTx(ctx, "bulk load", func(tx *sqlx.Tx) error {
		now := s.nowUTC()
		for i := range records {
			rec := records[i]
			if rec.LocalID == "" {
				rec.LocalID = uuid.NewString()
			}
			data, err := compact(rec.Data)
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.LocalID, err)
			}
			rec.Data = data
			if rec.Revision == 0 {
				rec.Revision = 1
			}
			rec.ConfirmedRevision = rec.Revision
			rec.PendingSync = false
			rec.Tombstoned = false
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			if rec.UpdatedAt.IsZero() {
				rec.UpdatedAt = now
			}
			if err := upsertRecord(ctx, tx, kind, &rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.changes.Publish(Change{Kind: kind})
	return len(records), nil
}

// Get returns one record, including tombstoned ones.
func (s *Store) Get(ctx context.Context, kind entity.Kind, localID string) (*entity.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("get: unknown entity kind %q", kind)
	}
	rec, err := getRecord(ctx, s.db, kind, localID)
	if err != nil {
		return nil, syncerr.Storage("get", err)
	}
	return rec, nil
}

// List returns the records of a kind ordered by creation time.
func (s *Store) List(ctx context.Context, kind entity.Kind, opts ListOptions) ([]entity.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("list: unknown entity kind %q", kind)
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE 1=1`, kind.Table())
	if !opts.IncludeTombstoned {
		query += ` AND tombstoned = 0`
	}
	if opts.PendingOnly {
		query += ` AND pending_sync = 1`
	}
	query += ` ORDER BY created_at, local_id`
	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []dbRecord
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, syncerr.Storage("list", err)
	}

	out := make([]entity.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord(kind)
	}
	return out, nil
}

// Count returns the number of live records per kind.
func (s *Store) Count(ctx context.Context) (map[entity.Kind]int, error) {
	out := make(map[entity.Kind]int, len(entity.Kinds()))
	for _, k := range entity.Kinds() {
		var n int
		if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tombstoned = 0`, k.Table())); err != nil {
			return nil, syncerr.Storage("count", err)
		}
		out[k] = n
	}
	return out, nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, kind entity.Kind, localID string) (*entity.Record, error) {
	var row dbRecord
	err := sqlx.GetContext(ctx, q, &row, fmt.Sprintf(`SELECT * FROM %s WHERE local_id = ?`, kind.Table()), localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", syncerr.ErrRecordNotFound, kind, localID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	rec := row.toRecord(kind)
	return &rec, nil
}

func upsertRecord(ctx context.Context, tx *sqlx.Tx, kind entity.Kind, rec *entity.Record) error {
	row := fromRecord(rec)
	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
			(local_id, server_id, data, revision, confirmed_revision, pending_sync, tombstoned, created_at, updated_at)
		VALUES
			(:local_id, :server_id, :data, :revision, :confirmed_revision, :pending_sync, :tombstoned, :created_at, :updated_at)
	`, kind.Table())
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// the entity key sent with a delete
type deletePayload struct {
	LocalID  string  `json:"localId"`
	ServerID *string `json:"serverId"`
}

func deleteKey(rec *entity.Record) ([]byte, error) {
	return codec.Marshal(deletePayload{LocalID: rec.LocalID, ServerID: rec.ServerID})
}
