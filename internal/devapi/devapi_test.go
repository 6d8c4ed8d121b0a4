package devapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/remote"
	"github.com/openmined/farmsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T) (*Store, *remote.Client, *httptest.Server) {
	t.Helper()
	st := NewStore()
	srv := httptest.NewServer(Handler(st))
	t.Cleanup(srv.Close)

	c, err := remote.New(remote.Config{BaseURL: srv.URL, Timeout: 2 * time.Second, DeviceID: "test-device"})
	require.NoError(t, err)
	return st, c, srv
}

func TestCreateUpdateDelete(t *testing.T) {
	st, c, _ := newTestAPI(t)
	ctx := context.Background()

	id, err := c.Create(ctx, entity.KindHarvest, "local-1", []byte(`{"kg":12}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, ok := st.Get(entity.KindHarvest, id)
	require.True(t, ok)
	assert.Equal(t, "local-1", doc.LocalID)
	assert.JSONEq(t, `{"kg":12}`, string(doc.Data))

	_, err = c.Update(ctx, entity.KindHarvest, id, []byte(`{"kg":15}`))
	require.NoError(t, err)
	doc, _ = st.Get(entity.KindHarvest, id)
	assert.JSONEq(t, `{"kg":15}`, string(doc.Data))

	require.NoError(t, c.Delete(ctx, entity.KindHarvest, id))
	_, ok = st.Get(entity.KindHarvest, id)
	assert.False(t, ok)

	calls := st.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, http.MethodPut, calls[1].Method)
	assert.Equal(t, http.MethodDelete, calls[2].Method)
	assert.Equal(t, "harvests", calls[2].Collection)
}

func TestReplayedCreateIsDeduplicated(t *testing.T) {
	st, c, _ := newTestAPI(t)
	ctx := context.Background()

	first, err := c.Create(ctx, entity.KindTask, "local-1", []byte(`{"title":"prune"}`))
	require.NoError(t, err)
	second, err := c.Create(ctx, entity.KindTask, "local-1", []byte(`{"title":"prune rows 1-4"}`))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, st.Count()[entity.KindTask])
	doc, _ := st.Get(entity.KindTask, first)
	assert.JSONEq(t, `{"title":"prune rows 1-4"}`, string(doc.Data))
}

func TestMissingDocumentIsNotFound(t *testing.T) {
	_, c, _ := newTestAPI(t)
	ctx := context.Background()

	err := c.Delete(ctx, entity.KindLot, "nope")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	_, err = c.Update(ctx, entity.KindLot, "nope", []byte(`{}`))
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestUnknownCollection(t *testing.T) {
	_, _, srv := newTestAPI(t)

	res, err := http.Post(srv.URL+"/api/tractors", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestInvalidBodyIsRejected(t *testing.T) {
	_, c, _ := newTestAPI(t)

	_, err := c.Create(context.Background(), entity.KindLot, "local-1", []byte(`[1,2]`))
	assert.True(t, syncerr.IsPermanent(err))
}

func TestFailNextIsTransient(t *testing.T) {
	st, c, _ := newTestAPI(t)
	ctx := context.Background()
	st.FailNext(1, http.StatusServiceUnavailable)

	_, err := c.Create(ctx, entity.KindExpense, "local-1", []byte(`{"amount":3}`))
	assert.True(t, syncerr.IsTransient(err))

	_, err = c.Create(ctx, entity.KindExpense, "local-1", []byte(`{"amount":3}`))
	assert.NoError(t, err)
}

func TestRejectIsPermanent(t *testing.T) {
	st, c, _ := newTestAPI(t)
	ctx := context.Background()
	st.Reject(entity.KindInventory, Fault{Status: http.StatusUnprocessableEntity, Code: "validation", Message: "quantity must be positive"})

	_, err := c.Create(ctx, entity.KindInventory, "local-1", []byte(`{"qty":-1}`))
	require.Error(t, err)
	assert.True(t, syncerr.IsPermanent(err))
	assert.Contains(t, err.Error(), "quantity must be positive")

	st.Reject(entity.KindInventory, Fault{})
	_, err = c.Create(ctx, entity.KindInventory, "local-1", []byte(`{"qty":1}`))
	assert.NoError(t, err)
}

func TestDownFailsHealth(t *testing.T) {
	st, c, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := c.Ping(ctx)
	require.NoError(t, err)

	st.SetDown(true)
	_, err = c.Ping(ctx)
	assert.True(t, syncerr.IsTransient(err))

	_, err = c.Create(ctx, entity.KindLot, "local-1", []byte(`{}`))
	assert.True(t, syncerr.IsTransient(err))
}

func TestLatency(t *testing.T) {
	st, c, _ := newTestAPI(t)
	st.SetLatency(50 * time.Millisecond)

	latency, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, 50*time.Millisecond)
}

func TestReset(t *testing.T) {
	st, c, _ := newTestAPI(t)
	_, err := c.Create(context.Background(), entity.KindLot, "local-1", []byte(`{}`))
	require.NoError(t, err)
	st.SetDown(true)

	st.Reset()
	assert.Equal(t, 0, st.Count()[entity.KindLot])
	assert.Empty(t, st.Calls())
	assert.False(t, st.isDown())
}

func TestPreload(t *testing.T) {
	st, c, _ := newTestAPI(t)
	require.NoError(t, st.Preload(entity.KindLot, "demo-lot-1", []byte(`{"name":"North"}`)))
	assert.ErrorIs(t, st.Preload(entity.Kind("tractor"), "x", nil), ErrUnknownCollection)

	_, err := c.Update(context.Background(), entity.KindLot, "demo-lot-1", []byte(`{"name":"North Slope"}`))
	require.NoError(t, err)
	doc, ok := st.Get(entity.KindLot, "demo-lot-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"North Slope"}`, string(doc.Data))
}
