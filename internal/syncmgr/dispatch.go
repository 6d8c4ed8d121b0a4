package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/metrics"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncerr"
)

const (
	outcomeDone   = metrics.OutcomeDone
	outcomeRetry  = metrics.OutcomeRetry
	outcomeFailed = metrics.OutcomeFailed
)

var errNoServerID = errors.New("record has no server id")

func recordKey(item *entity.QueueItem) string {
	return item.Kind.String() + "/" + item.LocalRecordID
}

func describe(item *entity.QueueItem) string {
	return fmt.Sprintf("%s %s %s", item.Operation, item.Kind, item.LocalRecordID)
}

// process sends one claimed item and records the outcome.
func (m *Manager) process(ctx context.Context, item *entity.QueueItem, run *cycle) error {
	key := recordKey(item)
	m.inflight.Add(key)
	defer m.inflight.Remove(key)

	m.progress.Publish(run.begin(describe(item)))

	start := time.Now()
	ack, label, sendErr := m.dispatch(ctx, item)
	metrics.SyncRequestDuration.WithLabelValues(item.Kind.String(), item.Operation.String()).Observe(time.Since(start).Seconds())

	outcome := outcomeDone
	if sendErr == nil {
		if _, err := m.store.Complete(ctx, item, ack); err != nil {
			// keep the record consistent: treat it as a failed attempt so it is resent
			sendErr = err
		}
	}

	if sendErr != nil {
		attempts := item.Attempts + 1
		final := syncerr.IsPermanent(sendErr) || attempts >= m.cfg.MaxAttempts
		f := store.Failure{
			Err:      sendErr.Error(),
			Attempts: attempts,
			Final:    final,
		}
		outcome, label = outcomeFailed, outcomeFailed
		if !final {
			f.NextAttemptAt = m.now().Add(m.cfg.Backoff(attempts))
			outcome, label = outcomeRetry, outcomeRetry
		}
		if err := m.store.Fail(ctx, item, f); err != nil {
			return err
		}

		level := m.log.Warn
		if final {
			level = m.log.Error
		}
		level("sync item failed",
			"id", item.ID,
			"kind", item.Kind,
			"op", item.Operation,
			"record", item.LocalRecordID,
			"attempts", attempts,
			"final", final,
			"code", syncerr.Code(sendErr),
			"error", sendErr,
		)
	} else {
		m.log.Debug("sync item done", "id", item.ID, "kind", item.Kind, "op", item.Operation, "record", item.LocalRecordID, "serverId", ack.ServerID)
	}

	metrics.SyncItemsTotal.WithLabelValues(item.Kind.String(), item.Operation.String(), label).Inc()
	m.progress.Publish(run.record(outcome))
	return nil
}

// dispatch performs the remote call for an item. The record is re-read so an
// update or delete uses the server id a preceding create returned.
func (m *Manager) dispatch(ctx context.Context, item *entity.QueueItem) (entity.Ack, string, error) {
	ack := entity.Ack{Revision: item.Revision}

	rec, err := m.store.Get(ctx, item.Kind, item.LocalRecordID)
	if errors.Is(err, syncerr.ErrRecordNotFound) {
		// nothing left locally to send
		return ack, outcomeDone, nil
	}
	if err != nil {
		return ack, "", err
	}

	switch item.Operation {
	case entity.OpCreate:
		if rec.HasServerID() {
			// already known to the server, e.g. restored from a snapshot
			id, err := m.remote.Update(ctx, item.Kind, *rec.ServerID, item.Payload)
			ack.ServerID = id
			return ack, outcomeDone, err
		}
		id, err := m.remote.Create(ctx, item.Kind, item.LocalRecordID, item.Payload)
		ack.ServerID = id
		return ack, outcomeDone, err

	case entity.OpUpdate:
		if !rec.HasServerID() {
			return ack, "", &syncerr.PermanentError{Op: "update " + item.Kind.String(), Message: errNoServerID.Error(), Err: errNoServerID}
		}
		id, err := m.remote.Update(ctx, item.Kind, *rec.ServerID, item.Payload)
		ack.ServerID = id
		return ack, outcomeDone, err

	case entity.OpDelete:
		serverID := deleteTarget(rec, item.Payload)
		if serverID == "" {
			// never reached the server
			return ack, outcomeDone, nil
		}
		err := m.remote.Delete(ctx, item.Kind, serverID)
		if errors.Is(err, syncerr.ErrNotFound) {
			return ack, metrics.OutcomeNotFound, nil
		}
		return ack, outcomeDone, err

	default:
		return ack, "", &syncerr.PermanentError{Op: "dispatch", Message: fmt.Sprintf("unknown operation %q", item.Operation)}
	}
}

func deleteTarget(rec *entity.Record, payload []byte) string {
	if rec.HasServerID() {
		return *rec.ServerID
	}
	var key struct {
		ServerID *string `json:"serverId"`
	}
	if codec.Unmarshal(payload, &key) == nil && key.ServerID != nil {
		return *key.ServerID
	}
	return ""
}
