package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/syncerr"
)

const (
	// SnapshotVersion is written by ExportSnapshot.
	SnapshotVersion = 1
	snapshotApp     = "farmsync"
)

var supportedVersions = map[int]bool{
	1: true,
}

// Snapshot is the versioned backup document of the whole store.
type Snapshot struct {
	Version    int                        `json:"version"`
	App        string                     `json:"app"`
	ExportedAt time.Time                  `json:"exportedAt"`
	Tables     map[string][]entity.Record `json:"tables"`
	Queue      []entity.QueueItem         `json:"queue"`
	Checksum   string                     `json:"checksum,omitempty"`
}

// RecordCount is the number of records across every table.
func (s *Snapshot) RecordCount() int {
	n := 0
	for _, recs := range s.Tables {
		n += len(recs)
	}
	return n
}

type ImportStats struct {
	Records    int `json:"records"`
	QueueItems int `json:"queueItems"`
}

// rawSnapshot defers decoding of the version so a missing tag can be told apart from a wrong one
type rawSnapshot struct {
	Version    rawValue                   `json:"version"`
	App        string                     `json:"app"`
	ExportedAt string                     `json:"exportedAt"`
	Tables     map[string][]entity.Record `json:"tables"`
	Queue      []entity.QueueItem         `json:"queue"`
	Checksum   string                     `json:"checksum"`
}

type rawValue []byte

func (r *rawValue) UnmarshalJSON(b []byte) error {
	*r = append((*r)[0:0], b...)
	return nil
}

// ClearAll wipes every entity table and the sync queue in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.withTx(ctx, "clear", func(tx *sqlx.Tx) error {
		return s.clearTables(ctx, tx)
	}); err != nil {
		return err
	}
	s.changes.Publish(Change{Reset: true})
	return nil
}

func (s *Store) clearTables(ctx context.Context, tx *sqlx.Tx) error {
	tables := make([]string, 0, len(entity.Kinds())+1)
	for _, k := range entity.Kinds() {
		tables = append(tables, k.Table())
	}
	tables = append(tables, "sync_queue")

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
		if s.afterClearTable != nil {
			if err := s.afterClearTable(table); err != nil {
				return fmt.Errorf("clear interrupted after %s: %w", table, err)
			}
		}
	}
	return nil
}

// ExportSnapshot reads every table and the queue in one transaction.
func (s *Store) ExportSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:    SnapshotVersion,
		App:        snapshotApp,
		ExportedAt: s.nowUTC(),
		Tables:     make(map[string][]entity.Record, len(entity.Kinds())),
	}

	err := s.withTx(ctx, "export", func(tx *sqlx.Tx) error {
		for _, k := range entity.Kinds() {
			var rows []dbRecord
			if err := tx.SelectContext(ctx, &rows, fmt.Sprintf(`SELECT * FROM %s ORDER BY created_at, local_id`, k.Table())); err != nil {
				return fmt.Errorf("failed to read %s: %w", k.Table(), err)
			}
			recs := make([]entity.Record, len(rows))
			for i := range rows {
				recs[i] = rows[i].toRecord(k)
			}
			snap.Tables[k.Table()] = recs
		}

		var rows []dbQueueItem
		if err := tx.SelectContext(ctx, &rows, `SELECT * FROM sync_queue ORDER BY id`); err != nil {
			return fmt.Errorf("failed to read sync queue: %w", err)
		}
		snap.Queue = make([]entity.QueueItem, len(rows))
		for i := range rows {
			snap.Queue[i] = rows[i].toItem()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sum, err := checksum(snap)
	if err != nil {
		return nil, syncerr.Storage("export", err)
	}
	snap.Checksum = sum
	return snap, nil
}

// WriteSnapshot exports the store as an indented JSON document.
func (s *Store) WriteSnapshot(ctx context.Context, w io.Writer) (*Snapshot, error) {
	snap, err := s.ExportSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	data, err := codec.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return snap, nil
}

// DecodeSnapshot parses and validates a snapshot document. Every problem is a *syncerr.FormatError.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var raw rawSnapshot
	if err := codec.Unmarshal(data, &raw); err != nil {
		return nil, &syncerr.FormatError{Reason: "malformed document", Err: err}
	}

	version := strings.TrimSpace(string(raw.Version))
	if version == "" || version == "null" {
		return nil, &syncerr.FormatError{Reason: "missing version"}
	}
	var v int
	if err := codec.Unmarshal([]byte(version), &v); err != nil {
		return nil, &syncerr.FormatError{Reason: fmt.Sprintf("version %s is not an integer", version)}
	}
	if !supportedVersions[v] {
		return nil, &syncerr.FormatError{Reason: fmt.Sprintf("unsupported version %d", v)}
	}

	snap := &Snapshot{
		Version:  v,
		App:      raw.App,
		Tables:   make(map[string][]entity.Record, len(raw.Tables)),
		Queue:    raw.Queue,
		Checksum: raw.Checksum,
	}
	if raw.ExportedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, raw.ExportedAt)
		if err != nil {
			return nil, &syncerr.FormatError{Reason: "invalid exportedAt", Err: err}
		}
		snap.ExportedAt = t
	}

	records := make(map[string]entity.Kind)
	for table, recs := range raw.Tables {
		kind, ok := entity.KindForTable(table)
		if !ok {
			return nil, &syncerr.FormatError{Reason: fmt.Sprintf("unknown table %q", table)}
		}
		for i := range recs {
			rec := &recs[i]
			if rec.LocalID == "" {
				return nil, &syncerr.FormatError{Reason: fmt.Sprintf("%s[%d]: missing localId", table, i)}
			}
			if len(rec.Data) > 0 && !codec.Valid(rec.Data) {
				return nil, &syncerr.FormatError{Reason: fmt.Sprintf("%s[%d]: invalid data", table, i)}
			}
			rec.Kind = kind
			records[string(kind)+"/"+rec.LocalID] = kind
		}
		snap.Tables[table] = recs
	}

	seen := make(map[int64]bool, len(raw.Queue))
	for i := range snap.Queue {
		item := &snap.Queue[i]
		if item.ID <= 0 || seen[item.ID] {
			return nil, &syncerr.FormatError{Reason: fmt.Sprintf("queue[%d]: invalid or duplicate id %d", i, item.ID)}
		}
		seen[item.ID] = true
		if !item.Kind.Valid() {
			return nil, &syncerr.FormatError{Reason: fmt.Sprintf("queue[%d]: unknown entity type %q", i, item.Kind)}
		}
		if _, err := entity.ParseOperation(string(item.Operation)); err != nil {
			return nil, &syncerr.FormatError{Reason: fmt.Sprintf("queue[%d]", i), Err: err}
		}
		status, err := entity.ParseQueueStatus(string(item.Status))
		if err != nil || status == entity.StatusDone {
			return nil, &syncerr.FormatError{Reason: fmt.Sprintf("queue[%d]: invalid status %q", i, item.Status)}
		}
		item.Status = status
		if _, ok := records[string(item.Kind)+"/"+item.LocalRecordID]; !ok {
			return nil, &syncerr.FormatError{Reason: fmt.Sprintf("queue[%d]: references unknown record %s", i, item.LocalRecordID)}
		}
	}

	if snap.Checksum != "" {
		sum, err := checksum(snap)
		if err != nil {
			return nil, &syncerr.FormatError{Reason: "checksum", Err: err}
		}
		if sum != snap.Checksum {
			return nil, &syncerr.FormatError{Reason: "checksum mismatch"}
		}
	}

	return snap, nil
}

// ImportSnapshot validates doc, then replaces all data with its contents in one
// transaction. On any error the store is unchanged.
func (s *Store) ImportSnapshot(ctx context.Context, doc []byte) (*ImportStats, error) {
	snap, err := DecodeSnapshot(doc)
	if err != nil {
		return nil, err
	}

	stats := &ImportStats{}
	err = s.withTx(ctx, "import", func(tx *sqlx.Tx) error {
		if err := s.clearTables(ctx, tx); err != nil {
			return err
		}

		for _, k := range entity.Kinds() {
			for i := range snap.Tables[k.Table()] {
				rec := snap.Tables[k.Table()][i]
				data, err := compact(rec.Data)
				if err != nil {
					return err
				}
				rec.Data = data
				if err := upsertRecord(ctx, tx, k, &rec); err != nil {
					return err
				}
				stats.Records++
			}
		}

		for i := range snap.Queue {
			payload, err := compact(snap.Queue[i].Payload)
			if err != nil {
				return err
			}
			snap.Queue[i].Payload = payload
			if err := insertQueueItem(ctx, tx, &snap.Queue[i]); err != nil {
				return err
			}
			stats.QueueItems++
		}

		// pending_sync follows the queue, whatever the document said
		for _, k := range entity.Kinds() {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %[1]s SET pending_sync = EXISTS (
					SELECT 1 FROM sync_queue q WHERE q.entity_type = ? AND q.local_record_id = %[1]s.local_id
				)
			`, k.Table()), string(k)); err != nil {
				return fmt.Errorf("failed to derive pending flags for %s: %w", k.Table(), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.changes.Publish(Change{Reset: true})
	return stats, nil
}

// checksum hashes compacted copies so indentation of the document does not matter
func checksum(snap *Snapshot) (string, error) {
	h := sha256.New()
	for _, k := range entity.Kinds() {
		recs := make([]entity.Record, len(snap.Tables[k.Table()]))
		for i, rec := range snap.Tables[k.Table()] {
			data, err := compact(rec.Data)
			if err != nil {
				return "", err
			}
			rec.Data = data
			recs[i] = rec
		}
		data, err := codec.Marshal(recs)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\n%s\n", k.Table(), data)
	}
	queue := make([]entity.QueueItem, len(snap.Queue))
	for i, item := range snap.Queue {
		payload, err := compact(item.Payload)
		if err != nil {
			return "", err
		}
		item.Payload = payload
		queue[i] = item
	}
	data, err := codec.Marshal(queue)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(h, "sync_queue\n%s\n", data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func compact(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := codec.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("invalid record data: %w", err)
	}
	return buf.Bytes(), nil
}
