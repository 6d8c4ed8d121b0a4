package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/syncerr"
)

// dbQueueItem is used for scanning queue rows, times are stored as TEXT.
type dbQueueItem struct {
	ID            int64          `db:"id"`
	EntityType    string         `db:"entity_type"`
	Operation     string         `db:"operation"`
	Payload       string         `db:"payload"`
	LocalRecordID string         `db:"local_record_id"`
	Revision      int64          `db:"revision"`
	Attempts      int            `db:"attempts"`
	LastError     sql.NullString `db:"last_error"`
	EnqueuedAt    string         `db:"enqueued_at"`
	Status        string         `db:"status"`
	NextAttemptAt string         `db:"next_attempt_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (q *dbQueueItem) toItem() entity.QueueItem {
	item := entity.QueueItem{
		ID:            q.ID,
		Kind:          entity.Kind(q.EntityType),
		Operation:     entity.Operation(q.Operation),
		Payload:       []byte(q.Payload),
		LocalRecordID: q.LocalRecordID,
		Revision:      q.Revision,
		Attempts:      q.Attempts,
		EnqueuedAt:    parseTime(q.EnqueuedAt),
		Status:        entity.QueueStatus(q.Status),
		NextAttemptAt: parseTime(q.NextAttemptAt),
		UpdatedAt:     parseTime(q.UpdatedAt),
	}
	if q.LastError.Valid {
		msg := q.LastError.String
		item.LastError = &msg
	}
	return item
}

func fromItem(item *entity.QueueItem) dbQueueItem {
	payload := string(item.Payload)
	if payload == "" {
		payload = "{}"
	}
	next := item.NextAttemptAt
	if next.IsZero() {
		next = item.EnqueuedAt
	}
	updated := item.UpdatedAt
	if updated.IsZero() {
		updated = item.EnqueuedAt
	}
	status := item.Status
	if status == "" || status == entity.StatusInFlight {
		status = entity.StatusPending
	}
	row := dbQueueItem{
		ID:            item.ID,
		EntityType:    string(item.Kind),
		Operation:     string(item.Operation),
		Payload:       payload,
		LocalRecordID: item.LocalRecordID,
		Revision:      item.Revision,
		Attempts:      item.Attempts,
		EnqueuedAt:    formatTime(item.EnqueuedAt),
		Status:        string(status),
		NextAttemptAt: formatTime(next),
		UpdatedAt:     formatTime(updated),
	}
	if item.LastError != nil {
		row.LastError = sql.NullString{String: *item.LastError, Valid: true}
	}
	return row
}

// QueueFilter narrows Items.
type QueueFilter struct {
	Status entity.QueueStatus
	Kind   entity.Kind
	Limit  int
}

// QueueStats summarizes the queue. Done items are never stored so Total is the pending sync count.
type QueueStats struct {
	Total    int                 `json:"total"`
	Pending  int                 `json:"pending"`
	InFlight int                 `json:"inFlight"`
	Failed   int                 `json:"failed"`
	Retrying int                 `json:"retrying"`
	ByKind   map[entity.Kind]int `json:"byKind"`
}

// Failure is the outcome of a failed attempt as decided by the sync policy.
type Failure struct {
	Err      string
	Attempts int
	// Final marks the item failed; it is not retried until RetryFailed.
	Final         bool
	NextAttemptAt time.Time
}

func enqueue(ctx context.Context, tx *sqlx.Tx, item *entity.QueueItem) error {
	row := fromItem(item)
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO sync_queue
			(entity_type, operation, payload, local_record_id, revision, attempts, last_error, enqueued_at, status, next_attempt_at, updated_at)
		VALUES
			(:entity_type, :operation, :payload, :local_record_id, :revision, :attempts, :last_error, :enqueued_at, :status, :next_attempt_at, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue id: %w", err)
	}
	item.ID = id
	return nil
}

func insertQueueItem(ctx context.Context, tx *sqlx.Tx, item *entity.QueueItem) error {
	row := fromItem(item)
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO sync_queue
			(id, entity_type, operation, payload, local_record_id, revision, attempts, last_error, enqueued_at, status, next_attempt_at, updated_at)
		VALUES
			(:id, :entity_type, :operation, :payload, :local_record_id, :revision, :attempts, :last_error, :enqueued_at, :status, :next_attempt_at, :updated_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to insert queue item %d: %w", item.ID, err)
	}
	return nil
}

func hasQueuedOp(ctx context.Context, q sqlx.QueryerContext, kind entity.Kind, localID string, op entity.Operation) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND local_record_id = ? AND operation = ?
	`, string(kind), localID, string(op))
	if err != nil {
		return false, fmt.Errorf("failed to query queue: %w", err)
	}
	return n > 0, nil
}

// reviseFailed folds a new draft into the record's failed create or update and
// puts it back to pending with a fresh attempt budget. Later updates of the
// record are dropped since the revised item now carries the newest data.
// It reports false when the record has no failed item to revise.
func reviseFailed(ctx context.Context, tx *sqlx.Tx, kind entity.Kind, localID string, data []byte, revision int64, now time.Time) (bool, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM sync_queue
		WHERE entity_type = ? AND local_record_id = ? AND status = 'failed' AND operation IN ('create', 'update')
		ORDER BY id LIMIT 1
	`, string(kind), localID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query failed items: %w", err)
	}

	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET payload = ?, revision = ?, status = 'pending', attempts = 0, last_error = NULL, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, string(data), revision, ts, ts, id); err != nil {
		return false, fmt.Errorf("failed to revise queue item %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE entity_type = ? AND local_record_id = ? AND id > ? AND operation = 'update' AND status != 'in_flight'
	`, string(kind), localID, id); err != nil {
		return false, fmt.Errorf("failed to drop superseded updates: %w", err)
	}
	return true, nil
}

func remainingFor(ctx context.Context, q sqlx.QueryerContext, kind entity.Kind, localID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, `
		SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND local_record_id = ?
	`, string(kind), localID)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

// eligibleWhere selects pending items whose backoff has elapsed and that are the
// oldest remaining item of their record, so per-record order holds.
const eligibleWhere = `
	q.status = 'pending' AND q.next_attempt_at <= ?
	AND NOT EXISTS (
		SELECT 1 FROM sync_queue o
		WHERE o.entity_type = q.entity_type AND o.local_record_id = q.local_record_id AND o.id < q.id
	)
`

// Claim marks the oldest eligible item of kind in flight and returns it.
// It returns nil when nothing is eligible.
func (s *Store) Claim(ctx context.Context, kind entity.Kind) (*entity.QueueItem, error) {
	var claimed *entity.QueueItem
	err := s.withTx(ctx, "claim", func(tx *sqlx.Tx) error {
		now := s.nowUTC()

		var row dbQueueItem
		err := tx.GetContext(ctx, &row, `
			SELECT q.* FROM sync_queue q
			WHERE q.entity_type = ? AND `+eligibleWhere+`
			ORDER BY q.id LIMIT 1
		`, string(kind), formatTime(now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select queue item: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'in_flight', updated_at = ? WHERE id = ? AND status = 'pending'
		`, formatTime(now), row.ID); err != nil {
			return fmt.Errorf("failed to claim queue item %d: %w", row.ID, err)
		}

		item := row.toItem()
		item.Status = entity.StatusInFlight
		item.UpdatedAt = now
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete removes a synced item and reconciles its record.
//
// The record is re-read inside the transaction and only its sync fields are
// written. Tombstoned records with nothing left queued are purged. If the item no
// longer exists (cleared or replaced by an import) nothing is changed.
func (s *Store) Complete(ctx context.Context, item *entity.QueueItem, ack entity.Ack) (*entity.Record, error) {
	var out *entity.Record
	err := s.withTx(ctx, "complete", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND status = 'in_flight'`, item.ID)
		if err != nil {
			return fmt.Errorf("failed to remove queue item %d: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		current, err := getRecord(ctx, tx, item.Kind, item.LocalRecordID)
		if errors.Is(err, syncerr.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		remaining, err := remainingFor(ctx, tx, item.Kind, item.LocalRecordID)
		if err != nil {
			return err
		}

		merged := entity.Reconcile(*current, ack, remaining)
		table := item.Kind.Table()

		if entity.Purgeable(merged, remaining) {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, table), merged.LocalID); err != nil {
				return fmt.Errorf("failed to purge record: %w", err)
			}
			out = &merged
			return nil
		}

		var serverID any
		if merged.HasServerID() {
			serverID = *merged.ServerID
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET server_id = ?, confirmed_revision = ?, pending_sync = ? WHERE local_id = ?
		`, table), serverID, merged.ConfirmedRevision, merged.PendingSync, merged.LocalID); err != nil {
			return fmt.Errorf("failed to reconcile record: %w", err)
		}
		out = &merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fail records a failed attempt for an in-flight item.
func (s *Store) Fail(ctx context.Context, item *entity.QueueItem, f Failure) error {
	return s.withTx(ctx, "fail", func(tx *sqlx.Tx) error {
		now := s.nowUTC()
		status := entity.StatusPending
		next := f.NextAttemptAt
		if f.Final {
			status = entity.StatusFailed
			next = now
		}
		if next.IsZero() {
			next = now
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND status = 'in_flight'
		`, string(status), f.Attempts, f.Err, formatTime(next), formatTime(now), item.ID)
		if err != nil {
			return fmt.Errorf("failed to update queue item %d: %w", item.ID, err)
		}
		return nil
	})
}

// RetryFailed makes failed items eligible again with a fresh attempt budget.
// With no ids every failed item is reset.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	var n int64
	err := s.withTx(ctx, "retry", func(tx *sqlx.Tx) error {
		now := formatTime(s.nowUTC())
		query := `UPDATE sync_queue SET status = 'pending', attempts = 0, next_attempt_at = ?, updated_at = ? WHERE status = 'failed'`
		args := []any{now, now}
		if len(ids) > 0 {
			in, inArgs, err := sqlx.In(` AND id IN (?)`, ids)
			if err != nil {
				return err
			}
			query += in
			args = append(args, inArgs...)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return fmt.Errorf("failed to reset failed items: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.changes.Publish(Change{Operation: entity.OpUpdate})
	}
	return int(n), nil
}

// Items lists queue items in enqueue order.
func (s *Store) Items(ctx context.Context, f QueueFilter) ([]entity.QueueItem, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(f.Kind))
	}

	query := `SELECT * FROM sync_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []dbQueueItem
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, syncerr.Storage("queue items", err)
	}
	out := make([]entity.QueueItem, len(rows))
	for i := range rows {
		out[i] = rows[i].toItem()
	}
	return out, nil
}

// Item returns one queue item by id.
func (s *Store) Item(ctx context.Context, id int64) (*entity.QueueItem, error) {
	var row dbQueueItem
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sync_queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: queue item %d", syncerr.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, syncerr.Storage("queue item", err)
	}
	item := row.toItem()
	return &item, nil
}

// PendingCount is the number of queue items that are not done.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sync_queue`); err != nil {
		return 0, syncerr.Storage("pending count", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	var rows []struct {
		EntityType string `db:"entity_type"`
		Status     string `db:"status"`
		Retrying   int    `db:"retrying"`
		N          int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT entity_type, status, SUM(CASE WHEN attempts > 0 THEN 1 ELSE 0 END) AS retrying, COUNT(*) AS n
		FROM sync_queue GROUP BY entity_type, status
	`)
	if err != nil {
		return nil, syncerr.Storage("stats", err)
	}

	stats := &QueueStats{ByKind: make(map[entity.Kind]int)}
	for _, r := range rows {
		stats.Total += r.N
		stats.ByKind[entity.Kind(r.EntityType)] += r.N
		switch entity.QueueStatus(r.Status) {
		case entity.StatusPending:
			stats.Pending += r.N
			stats.Retrying += r.Retrying
		case entity.StatusInFlight:
			stats.InFlight += r.N
		case entity.StatusFailed:
			stats.Failed += r.N
		}
	}
	return stats, nil
}

// Eligible returns, per kind, how many items are ready to be attempted now.
func (s *Store) Eligible(ctx context.Context) (map[entity.Kind]int, error) {
	var rows []struct {
		EntityType string `db:"entity_type"`
		N          int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT q.entity_type, COUNT(*) AS n FROM sync_queue q
		WHERE `+eligibleWhere+`
		GROUP BY q.entity_type
	`, formatTime(s.nowUTC()))
	if err != nil {
		return nil, syncerr.Storage("eligible", err)
	}
	out := make(map[entity.Kind]int, len(rows))
	for _, r := range rows {
		out[entity.Kind(r.EntityType)] = r.N
	}
	return out, nil
}

// NextEligibleAt is the earliest future time a backing-off item becomes eligible.
func (s *Store) NextEligibleAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullString
	err := s.db.GetContext(ctx, &next, `SELECT MIN(next_attempt_at) FROM sync_queue WHERE status = 'pending' AND next_attempt_at > ?`,
		formatTime(s.nowUTC()))
	if err != nil {
		return time.Time{}, false, syncerr.Storage("next attempt", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(next.String), true, nil
}

// RecoverInFlight returns items left in flight by a crash to pending.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, "recover", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`,
			formatTime(s.nowUTC()))
		if err != nil {
			return fmt.Errorf("failed to recover in-flight items: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}
