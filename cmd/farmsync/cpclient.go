package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/imroc/req/v3"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/controlplane/handlers"
	"github.com/openmined/farmsync/internal/remote"
)

const cpTimeout = 30 * time.Second

var errDaemonUnreachable = errors.New("farmsync daemon is not reachable")

// cpError is an error answer from the control plane.
type cpError struct {
	Status  int
	Code    string
	Message string
}

func (e *cpError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("control plane: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// cpClient talks to a running daemon's control plane.
type cpClient struct {
	baseURL string
	token   string
	client  *req.Client
}

func newCPClient(baseURL, token string) *cpClient {
	baseURL = strings.TrimRight(baseURL, "/")
	client := req.C().
		SetBaseURL(baseURL).
		SetTimeout(cpTimeout).
		SetCommonRetryCount(0).
		SetUserAgent(remote.UserAgent).
		SetJsonMarshal(codec.Marshal).
		SetJsonUnmarshal(codec.Unmarshal)
	if token != "" {
		client.SetCommonBearerAuthToken(token)
	}
	return &cpClient{baseURL: baseURL, token: token, client: client}
}

func (c *cpClient) send(r *req.Request, method, path string, out any) error {
	if out != nil {
		r.SetSuccessResult(out)
	}
	res, err := r.Send(method, path)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errDaemonUnreachable, c.baseURL, err)
	}
	if res.IsErrorState() {
		return decodeError(res.StatusCode, res.Bytes())
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var e handlers.ControlPlaneError
	if err := codec.Unmarshal(body, &e); err != nil || e.Error == "" {
		return &cpError{Status: status, Message: http.StatusText(status)}
	}
	return &cpError{Status: status, Code: e.ErrorCode, Message: e.Error}
}

func (c *cpClient) Status(ctx context.Context) (*handlers.StatusResponse, error) {
	var out handlers.StatusResponse
	if err := c.send(c.client.R().SetContext(ctx), http.MethodGet, "/v1/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Sync(ctx context.Context) (*handlers.SyncResponse, error) {
	var out handlers.SyncResponse
	if err := c.send(c.client.R().SetContext(ctx), http.MethodPost, "/v1/sync", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) CheckConnection(ctx context.Context) (*handlers.ConnectionResponse, error) {
	var out handlers.ConnectionResponse
	if err := c.send(c.client.R().SetContext(ctx), http.MethodPost, "/v1/connection/check", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Queue(ctx context.Context, q handlers.QueueListRequest) (*handlers.QueueListResponse, error) {
	r := c.client.R().SetContext(ctx)
	if q.Status != "" {
		r.SetQueryParam("status", q.Status)
	}
	if q.Kind != "" {
		r.SetQueryParam("kind", q.Kind)
	}
	if q.Limit > 0 {
		r.SetQueryParam("limit", fmt.Sprint(q.Limit))
	}
	var out handlers.QueueListResponse
	if err := c.send(r, http.MethodGet, "/v1/queue", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Retry(ctx context.Context, ids []int64) (*handlers.RetryResponse, error) {
	var out handlers.RetryResponse
	r := c.client.R().SetContext(ctx).SetBody(handlers.RetryRequest{IDs: ids})
	if err := c.send(r, http.MethodPost, "/v1/queue/retry", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export streams the snapshot document into w and returns its size.
func (c *cpClient) Export(ctx context.Context, w io.Writer) (int64, error) {
	res, err := c.client.R().SetContext(ctx).DisableAutoReadResponse().Get("/v1/offline/export")
	if err != nil {
		return 0, fmt.Errorf("%w at %s: %v", errDaemonUnreachable, c.baseURL, err)
	}
	defer res.Body.Close()
	if res.IsErrorState() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return 0, decodeError(res.StatusCode, body)
	}
	return io.Copy(w, res.Body)
}

func (c *cpClient) Import(ctx context.Context, r io.Reader) (*handlers.ImportResponse, error) {
	var out handlers.ImportResponse
	rq := c.client.R().SetContext(ctx).SetContentType("application/json").SetBody(r)
	if err := c.send(rq, http.MethodPost, "/v1/offline/import", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Clear(ctx context.Context) (*handlers.ClearResponse, error) {
	var out handlers.ClearResponse
	if err := c.send(c.client.R().SetContext(ctx), http.MethodDelete, "/v1/offline", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Backup(ctx context.Context) (*handlers.BackupResponse, error) {
	var out handlers.BackupResponse
	if err := c.send(c.client.R().SetContext(ctx), http.MethodPost, "/v1/offline/backup", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Restore(ctx context.Context, key string) (*handlers.ImportResponse, error) {
	var out handlers.ImportResponse
	r := c.client.R().SetContext(ctx).SetBody(handlers.RestoreRequest{Key: key})
	if err := c.send(r, http.MethodPost, "/v1/offline/restore", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *cpClient) Backups(ctx context.Context) (*handlers.BackupListResponse, error) {
	var out handlers.BackupListResponse
	if err := c.send(c.client.R().SetContext(ctx), http.MethodGet, "/v1/offline/backups", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DialStatus opens the status websocket.
func (c *cpClient) DialStatus(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + "/v1/status/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("User-Agent", remote.UserAgent)
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, res, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if res != nil && res.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
			return nil, decodeError(res.StatusCode, body)
		}
		return nil, fmt.Errorf("%w at %s: %v", errDaemonUnreachable, c.baseURL, err)
	}
	return conn, nil
}
