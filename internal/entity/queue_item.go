package entity

import (
	"encoding/json"
	"time"
)

// QueueItem is one pending mutation in the sync queue.
type QueueItem struct {
	ID            int64           `json:"id"`
	Kind          Kind            `json:"entityType"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	LocalRecordID string          `json:"localRecordId"`
	Revision      int64           `json:"revision"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"lastError"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Status        QueueStatus     `json:"status"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NeedsAttention is true when automatic retries are exhausted.
func (q *QueueItem) NeedsAttention() bool {
	return q.Status == StatusFailed
}

// WillRetry is true for items that failed at least once and are waiting for another automatic attempt.
func (q *QueueItem) WillRetry() bool {
	return q.Status == StatusPending && q.Attempts > 0
}

// ErrorText is LastError or empty.
func (q *QueueItem) ErrorText() string {
	if q.LastError == nil {
		return ""
	}
	return *q.LastError
}
