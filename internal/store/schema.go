package store

import (
	"fmt"
	"strings"

	"github.com/openmined/farmsync/internal/db"
	"github.com/openmined/farmsync/internal/entity"
)

const recordTableTmpl = `
CREATE TABLE IF NOT EXISTS %[1]s (
    local_id TEXT PRIMARY KEY,
    server_id TEXT,
    data TEXT NOT NULL DEFAULT '{}',
    revision INTEGER NOT NULL DEFAULT 0,
    confirmed_revision INTEGER NOT NULL DEFAULT 0,
    pending_sync INTEGER NOT NULL DEFAULT 0,
    tombstoned INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL, -- timeLayout
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_server_id ON %[1]s(server_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_pending ON %[1]s(pending_sync);
`

const queueTable = `
CREATE TABLE IF NOT EXISTS sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    operation TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    local_record_id TEXT NOT NULL,
    revision INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    enqueued_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    next_attempt_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_kind_status ON sync_queue(entity_type, status, id);
CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(entity_type, local_record_id, id);
-- at most one in-flight item per record
CREATE UNIQUE INDEX IF NOT EXISTS uq_queue_inflight_record
    ON sync_queue(entity_type, local_record_id) WHERE status = 'in_flight';
`

func migrations() []db.Migration {
	var b strings.Builder
	for _, k := range entity.Kinds() {
		fmt.Fprintf(&b, recordTableTmpl, k.Table())
	}
	b.WriteString(queueTable)

	return []db.Migration{
		{Version: 1, Name: "init", SQL: b.String()},
	}
}
