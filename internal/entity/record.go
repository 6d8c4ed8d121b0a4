package entity

import (
	"encoding/json"
	"time"
)

// Record is a locally stored entity.
//
// It carries two phases: the draft (Data, Revision) written by local edits, and the
// confirmed state (ServerID, ConfirmedRevision) acknowledged by the remote API.
// Only Reconcile moves the confirmed phase forward.
type Record struct {
	LocalID           string          `json:"localId"`
	Kind              Kind            `json:"kind"`
	ServerID          *string         `json:"serverId"`
	Data              json.RawMessage `json:"data"`
	Revision          int64           `json:"revision"`
	ConfirmedRevision int64           `json:"confirmedRevision"`
	PendingSync       bool            `json:"pendingSync"`
	Tombstoned        bool            `json:"tombstoned"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (r *Record) HasServerID() bool {
	return r.ServerID != nil && *r.ServerID != ""
}

// Dirty reports whether the draft holds edits the server has not confirmed.
func (r *Record) Dirty() bool {
	return r.Revision > r.ConfirmedRevision
}

// Ack is the server acknowledgement of one queue item.
type Ack struct {
	// ServerID is the identifier returned by the server, empty if none was returned.
	ServerID string
	// Revision is the draft revision the acknowledged item was built from.
	Revision int64
}

// Reconcile merges an acknowledgement into the current state of a record.
//
// remaining is the number of non-done queue items that still reference the record
// after the acknowledged item is removed. Only ServerID, ConfirmedRevision and
// PendingSync are ever changed, so a local edit made while the request was in
// flight survives.
func Reconcile(current Record, ack Ack, remaining int) Record {
	merged := current
	if ack.ServerID != "" {
		id := ack.ServerID
		merged.ServerID = &id
	}
	if ack.Revision > merged.ConfirmedRevision {
		merged.ConfirmedRevision = ack.Revision
	}
	merged.PendingSync = remaining > 0
	return merged
}

// Purgeable reports whether a reconciled record can be dropped from the store.
func Purgeable(r Record, remaining int) bool {
	return r.Tombstoned && remaining == 0
}
