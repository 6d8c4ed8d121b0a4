package handlers

import (
	"time"

	"github.com/openmined/farmsync/internal/backup"
	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/status"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncmgr"
)

type StatusResponse struct {
	status.Status
	NeedsAttention bool `json:"needsAttention"`
}

type SyncResponse struct {
	Code   string               `json:"code"`
	Result *syncmgr.DrainResult `json:"result,omitempty"`
}

type ConnectionResponse struct {
	connectivity.State
	Error string `json:"error,omitempty"`
}

type QueueListRequest struct {
	Status string `form:"status" validate:"omitempty,queuestatus"`
	Kind   string `form:"kind" validate:"omitempty,entitykind"`
	Limit  int    `form:"limit" validate:"gte=0,lte=1000"`
}

type QueueListResponse struct {
	Items []status.QueueEntry `json:"items"`
	Total int                 `json:"total"`
}

type RetryRequest struct {
	// IDs is empty to retry every failed item.
	IDs []int64 `json:"ids" validate:"omitempty,dive,gt=0"`
}

type RetryResponse struct {
	Code    string `json:"code"`
	Retried int    `json:"retried"`
}

type RecordListRequest struct {
	IncludeTombstoned bool `form:"tombstoned"`
	PendingOnly       bool `form:"pending"`
	Limit             int  `form:"limit" validate:"gte=0,lte=10000"`
}

type RecordListResponse struct {
	Kind    entity.Kind     `json:"kind"`
	Records []entity.Record `json:"records"`
}

type PutRecordRequest struct {
	LocalID string         `json:"localId" validate:"omitempty,max=128"`
	Data    map[string]any `json:"data" validate:"required"`
}

type ImportResponse struct {
	Code string `json:"code"`
	*store.ImportStats
}

type RestoreRequest struct {
	Key string `json:"key" validate:"omitempty,max=1024"`
}

type BackupResponse struct {
	Code   string         `json:"code"`
	Object *backup.Object `json:"object"`
}

type BackupListResponse struct {
	Objects []backup.Object `json:"objects"`
}

type ClearResponse struct {
	Code      string    `json:"code"`
	ClearedAt time.Time `json:"clearedAt"`
}
