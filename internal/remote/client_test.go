package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, Timeout: 2 * time.Second, DeviceID: "device-1", Token: "secret"}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestCreate(t *testing.T) {
	var gotPath, gotMethod, gotBody, gotAuth, gotDevice, gotLocal string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get(HeaderDeviceID)
		gotLocal = r.Header.Get(HeaderLocalID)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-9","title":"weed"}`))
	})

	id, err := c.Create(context.Background(), entity.KindPestObservation, "local-1", []byte(`{"title":"weed"}`))
	require.NoError(t, err)
	assert.Equal(t, "srv-9", id)
	assert.Equal(t, "/api/pest-observations", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"title":"weed","localId":"local-1"}`, gotBody)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "device-1", gotDevice)
	assert.Equal(t, "local-1", gotLocal)
}

func TestCreateIDShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"numeric", `{"id":42}`, "42"},
		{"nested", `{"data":{"id":"abc"}}`, "abc"},
		{"nested numeric", `{"data":{"id":7}}`, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			id, err := c.Create(context.Background(), entity.KindLot, "l", []byte(`{}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestCreateWithoutIDIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	_, err := c.Create(context.Background(), entity.KindLot, "l", []byte(`{}`))
	assert.True(t, syncerr.IsPermanent(err))
}

func TestUpdateAndDeletePaths(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			_, _ = w.Write([]byte(`{"id":"99"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	id, err := c.Update(context.Background(), entity.KindHarvest, "99", []byte(`{"kg":10}`))
	require.NoError(t, err)
	assert.Equal(t, "99", id)

	require.NoError(t, c.Delete(context.Background(), entity.KindHarvest, "99"))
	assert.Equal(t, []string{"PUT /api/harvests/99", "DELETE /api/harvests/99"}, calls)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
		notFound  bool
	}{
		{"not found", http.StatusNotFound, `{"code":"E_NOT_FOUND","error":"gone"}`, true, true},
		{"validation", http.StatusUnprocessableEntity, `{"error":"name required"}`, true, false},
		{"bad request html", http.StatusBadRequest, `<html>bad</html>`, true, false},
		{"unavailable", http.StatusServiceUnavailable, ``, false, false},
		{"rate limited", http.StatusTooManyRequests, ``, false, false},
		{"request timeout", http.StatusRequestTimeout, ``, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := c.Delete(context.Background(), entity.KindTask, "1")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, syncerr.IsPermanent(err), "permanent: %v", err)
			assert.Equal(t, !tt.permanent, syncerr.IsTransient(err), "transient: %v", err)
			assert.Equal(t, tt.notFound, errors.Is(err, syncerr.ErrNotFound))
		})
	}
}

func TestValidationMessageSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"E_VALIDATION","message":"hectares must be positive"}`))
	})
	_, err := c.Update(context.Background(), entity.KindLot, "1", []byte(`{"hectares":-1}`))

	var pe *syncerr.PermanentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
	assert.Equal(t, "E_VALIDATION", pe.Code)
	assert.Equal(t, "hectares must be positive", pe.Message)
}

func TestTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	_, err := c.Update(context.Background(), entity.KindTask, "1", []byte(`{}`))
	assert.True(t, syncerr.IsTransient(err), "got %v", err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(1), stats.Failures)
	assert.NotEmpty(t, stats.LastError)
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Create(context.Background(), entity.KindTask, "l", []byte(`{}`))
	assert.True(t, syncerr.IsTransient(err))
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultHealthPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	latency, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Zero(t, stats.Failures)
	assert.False(t, stats.LastRequest.IsZero())
}

func TestPingFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Ping(context.Background())
	assert.True(t, syncerr.IsTransient(err))
}
