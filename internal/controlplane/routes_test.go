package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/openmined/farmsync/internal/controlplane/middleware"
	"github.com/openmined/farmsync/internal/devapi"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/remote"
	"github.com/openmined/farmsync/internal/status"
	"github.com/openmined/farmsync/internal/store"
	"github.com/openmined/farmsync/internal/syncmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cp-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	api      *devapi.Store
	store    *store.Store
	monitor  *connectivity.Monitor
	svc      *status.Service
	handler  http.Handler
	watchers atomic.Int32
}

func newFixture(t *testing.T, mutate ...func(*RouteConfig)) *fixture {
	t.Helper()
	f := &fixture{api: devapi.NewStore()}

	apiSrv := httptest.NewServer(devapi.Handler(f.api))
	t.Cleanup(apiSrv.Close)

	client, err := remote.New(remote.Config{BaseURL: apiSrv.URL, Timeout: 2 * time.Second, DeviceID: "test"})
	require.NoError(t, err)

	f.store, err = store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { f.store.Close() })

	f.monitor = connectivity.NewMonitor(client, connectivity.Config{ProbeTimeout: time.Second})
	mgr, err := syncmgr.New(f.store, client, f.monitor, syncmgr.Config{MaxAttempts: 2})
	require.NoError(t, err)
	f.monitor.SetDrainer(mgr.Drainer())
	f.svc = status.New(f.store, f.monitor, mgr)

	cfg := &RouteConfig{
		Auth:    middleware.TokenAuthConfig{Token: testToken},
		OnWatch: func(n int) { f.watchers.Store(int32(n)) },
	}
	for _, m := range mutate {
		m(cfg)
	}
	f.handler, err = SetupRoutes(&Services{Status: f.svc, Store: f.store}, cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndIndexNeedNoToken(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "farmsync")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestV1RequiresToken(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, handlers.ErrCodeUnauthorized, decode[handlers.ControlPlaneError](t, w).ErrorCode)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status?token="+testToken, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenDisabled(t *testing.T) {
	f := newFixture(t, func(c *RouteConfig) { c.Auth.Token = "" })

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteLocalFirstThenSync(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/v1/records/pestObservation", `{"data":{"pest":"broca","lot":"north"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[entity.Record](t, w)
	assert.True(t, rec.PendingSync)
	assert.Nil(t, rec.ServerID)

	st := decode[handlers.StatusResponse](t, f.do(t, http.MethodGet, "/v1/status", ""))
	assert.Equal(t, 1, st.PendingSyncCount)
	assert.False(t, st.IsOnline)

	// never probed, so offline
	w = f.do(t, http.MethodPost, "/v1/sync", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, handlers.ErrCodeNotConnected, decode[handlers.ControlPlaneError](t, w).ErrorCode)

	w = f.do(t, http.MethodPost, "/v1/connection/check", "")
	require.Equal(t, http.StatusOK, w.Code)
	conn := decode[handlers.ConnectionResponse](t, w)
	assert.True(t, conn.IsOnline)
	assert.Empty(t, conn.Error)

	w = f.do(t, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[handlers.SyncResponse](t, w)
	require.NotNil(t, res.Result)
	assert.Equal(t, 1, res.Result.Completed)

	doc, ok := f.api.FindByLocalID(entity.KindPestObservation, rec.LocalID)
	require.True(t, ok)
	assert.JSONEq(t, `{"pest":"broca","lot":"north"}`, string(doc.Data))

	w = f.do(t, http.MethodGet, "/v1/records/pest-observations/"+rec.LocalID, "")
	require.Equal(t, http.StatusOK, w.Code)
	synced := decode[entity.Record](t, w)
	require.NotNil(t, synced.ServerID)
	assert.Equal(t, doc.ID, *synced.ServerID)
	assert.False(t, synced.PendingSync)

	st = decode[handlers.StatusResponse](t, f.do(t, http.MethodGet, "/v1/status", ""))
	assert.Equal(t, 0, st.PendingSyncCount)
	assert.True(t, st.IsOnline)
}

func TestConnectionCheckWhileDown(t *testing.T) {
	f := newFixture(t)
	f.api.SetDown(true)

	w := f.do(t, http.MethodPost, "/v1/connection/check", "")
	require.Equal(t, http.StatusOK, w.Code)
	conn := decode[handlers.ConnectionResponse](t, w)
	assert.False(t, conn.IsOnline)
	assert.Equal(t, connectivity.QualityOffline, conn.Quality)
	assert.NotEmpty(t, conn.Error)
}

func TestRecordsEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/v1/records/tractor", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/v1/records/lot", `{"localId":"lot-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "data is required")

	w = f.do(t, http.MethodPut, "/v1/records/lot", `{"localId":"lot-1","data":{"name":"north"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	list := decode[handlers.RecordListResponse](t, f.do(t, http.MethodGet, "/v1/records/lots", ""))
	assert.Equal(t, entity.KindLot, list.Kind)
	require.Len(t, list.Records, 1)
	assert.Equal(t, "lot-1", list.Records[0].LocalID)

	w = f.do(t, http.MethodGet, "/v1/records/lot/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, handlers.ErrCodeNotFound, decode[handlers.ControlPlaneError](t, w).ErrorCode)

	w = f.do(t, http.MethodDelete, "/v1/records/lot/lot-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	list = decode[handlers.RecordListResponse](t, f.do(t, http.MethodGet, "/v1/records/lot", ""))
	assert.Empty(t, list.Records)
	list = decode[handlers.RecordListResponse](t, f.do(t, http.MethodGet, "/v1/records/lot?tombstoned=true", ""))
	assert.Len(t, list.Records, 1)
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.Reject(entity.KindExpense, devapi.Fault{Status: http.StatusUnprocessableEntity, Code: "validation", Message: "amount required"})

	_, err := f.store.Put(ctx, entity.KindExpense, "exp-1", []byte(`{"note":"fuel"}`))
	require.NoError(t, err)
	_, err = f.svc.CheckConnection(ctx)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[handlers.SyncResponse](t, w).Result.Failed)

	w = f.do(t, http.MethodGet, "/v1/queue?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	queue := decode[handlers.QueueListResponse](t, w)
	require.Equal(t, 1, queue.Total)
	assert.True(t, queue.Items[0].NeedsAttention)
	assert.Contains(t, queue.Items[0].ErrorText(), "amount required")

	w = f.do(t, http.MethodGet, "/v1/queue?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown queue status")

	w = f.do(t, http.MethodPost, "/v1/queue/retry", `{"ids":[0]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/queue/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[handlers.RetryResponse](t, w).Retried)

	queue = decode[handlers.QueueListResponse](t, f.do(t, http.MethodGet, "/v1/queue?status=pending", ""))
	assert.Equal(t, 1, queue.Total)
}

func TestOfflineExportImportClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Put(ctx, entity.KindHarvest, "h-1", []byte(`{"kg":40}`))
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/offline/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	exported := w.Body.String()
	assert.Contains(t, exported, `"version": 1`)

	w = f.do(t, http.MethodPost, "/v1/offline/import", `{"tables":{"harvests":[]}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, handlers.ErrCodeFormat, decode[handlers.ControlPlaneError](t, w).ErrorCode)
	_, err = f.store.Get(ctx, entity.KindHarvest, "h-1")
	require.NoError(t, err, "failed import must leave data untouched")

	w = f.do(t, http.MethodDelete, "/v1/offline", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, err = f.store.Get(ctx, entity.KindHarvest, "h-1")
	require.Error(t, err)

	w = f.do(t, http.MethodPost, "/v1/offline/import", exported)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	imported := decode[handlers.ImportResponse](t, w)
	assert.Equal(t, 1, imported.Records)
	_, err = f.store.Get(ctx, entity.KindHarvest, "h-1")
	assert.NoError(t, err)
}

func TestBackupDisabled(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/offline/backup", "/v1/offline/restore"} {
		w := f.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusNotImplemented, w.Code)
		assert.Equal(t, handlers.ErrCodeBackupOff, decode[handlers.ControlPlaneError](t, w).ErrorCode)
	}
}

func TestNoRoute(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *RouteConfig) { c.RateLimit = "2-M" })

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = f.do(t, http.MethodGet, "/healthz", "").Code
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestBadRateLimit(t *testing.T) {
	f := newFixture(t)
	_, err := SetupRoutes(&Services{Status: f.svc, Store: f.store}, &RouteConfig{RateLimit: "lots"})
	assert.Error(t, err)
}

func TestStatusEventsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/status/events?token="+testToken, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(res.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimPrefix(line, "event:")
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(line, "data:")
			break
		}
	}
	assert.Equal(t, "status", event)
	assert.Contains(t, data, `"pendingSyncCount":0`)
	assert.Eventually(t, func() bool { return f.watchers.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStatusWebsocketStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(f.svc.Stop)

	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/status/ws?token=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first handlers.StatusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, 0, first.PendingSyncCount)

	_, err = f.store.Put(ctx, entity.KindTask, "", []byte(`{"title":"fertilize"}`))
	require.NoError(t, err)

	for {
		var next handlers.StatusResponse
		require.NoError(t, wsjson.Read(ctx, conn, &next))
		if next.PendingSyncCount == 1 {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return f.watchers.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRepeatedPutWithIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	put := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/v1/records/expense", strings.NewReader(`{"data":{"amount":12.5,"item":"gloves"}}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set(middleware.IdempotencyHeader, "tab-1-write-7")
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		return w
	}

	first := put()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := put()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(middleware.ReplayedHeader))
	assert.Equal(t, decode[entity.Record](t, first).LocalID, decode[entity.Record](t, second).LocalID)

	items, err := f.store.Items(context.Background(), store.QueueFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
