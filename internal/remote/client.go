package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/version"
)

const (
	HeaderUserAgent  = "User-Agent"
	HeaderDeviceID   = "X-Device-Id"
	HeaderAppVersion = "X-Farmsync-Version"
	HeaderLocalID    = "X-Local-Id"

	DefaultHealthPath = "/api/health"
	DefaultTimeout    = 10 * time.Second

	apiPrefix = "/api/"
)

var UserAgent = fmt.Sprintf("farmsync/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

var ErrNoBaseURL = errors.New("remote: base url missing")

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HealthPath string
	DeviceID   string
	Debug      bool
}

// Client talks to the farm API. It never retries on its own; retry policy
// belongs to the sync manager.
type Client struct {
	client     *req.Client
	healthPath string
	deviceID   string
	stats      *httpStats
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = DeviceID()
	}

	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetCommonRetryCount(0).
		SetUserAgent(UserAgent).
		SetCommonHeader(HeaderAppVersion, version.Version).
		SetCommonHeader(HeaderDeviceID, cfg.DeviceID).
		SetJsonMarshal(codec.Marshal).
		SetJsonUnmarshal(codec.Unmarshal)

	if cfg.Token != "" {
		client.SetCommonBearerAuthToken(cfg.Token)
	}
	if cfg.Debug {
		client.EnableDumpAllWithoutResponseBody()
	}

	return &Client{
		client:     client,
		healthPath: cfg.HealthPath,
		deviceID:   cfg.DeviceID,
		stats:      newHTTPStats(),
	}, nil
}

// DeviceID returns a stable identifier for this installation.
func DeviceID() string {
	id, err := machineid.ProtectedID(version.AppName)
	if err != nil || id == "" {
		return uuid.NewString()
	}
	return id
}

func (c *Client) DeviceID() string {
	return c.deviceID
}

// Create posts a new entity and returns the id the server assigned.
func (c *Client) Create(ctx context.Context, kind entity.Kind, localID string, payload []byte) (string, error) {
	op := "create " + kind.String()
	res, err := c.do(c.client.R().
		SetContext(ctx).
		SetHeader(HeaderLocalID, localID).
		SetContentType("application/json").
		SetBodyBytes(withLocalID(payload, localID)),
		"POST", collectionPath(kind))

	if err := handleAPIError(res, err, op); err != nil {
		return "", err
	}

	id, err := parseServerID(res.Bytes())
	if err != nil {
		return "", malformed(op, res.StatusCode, err)
	}
	if id == "" {
		return "", malformed(op, res.StatusCode, errors.New("response has no id"))
	}
	return id, nil
}

// Update puts the entity. The returned id is empty when the server does not echo one.
func (c *Client) Update(ctx context.Context, kind entity.Kind, serverID string, payload []byte) (string, error) {
	op := "update " + kind.String()
	res, err := c.do(c.client.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetBodyBytes(payload),
		"PUT", resourcePath(kind, serverID))

	if err := handleAPIError(res, err, op); err != nil {
		return "", err
	}

	id, err := parseServerID(res.Bytes())
	if err != nil {
		// the update went through; a body we cannot read is not a reason to resend it
		return "", nil
	}
	return id, nil
}

// Delete removes the entity. A missing resource comes back as a PermanentError wrapping syncerr.ErrNotFound.
func (c *Client) Delete(ctx context.Context, kind entity.Kind, serverID string) error {
	res, err := c.do(c.client.R().SetContext(ctx), "DELETE", resourcePath(kind, serverID))
	return handleAPIError(res, err, "delete "+kind.String())
}

// Ping calls the health endpoint and reports the round trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	res, err := c.do(c.client.R().SetContext(ctx), "GET", c.healthPath)
	latency := time.Since(start)
	if err := handleAPIError(res, err, "health"); err != nil {
		return latency, err
	}
	return latency, nil
}

// Stats returns a copy of the traffic counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

func (c *Client) do(r *req.Request, method, path string) (*req.Response, error) {
	start := time.Now()
	res, err := r.Send(method, path)
	c.stats.record(res, err, time.Since(start))
	return res, err
}

// withLocalID adds localId to an object payload so the server can dedupe replayed creates.
func withLocalID(payload []byte, localID string) []byte {
	var fields map[string]json.RawMessage
	if codec.Unmarshal(payload, &fields) != nil || fields == nil {
		return payload
	}
	if _, ok := fields["localId"]; ok {
		return payload
	}
	id, _ := codec.Marshal(localID)
	fields["localId"] = id
	out, err := codec.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

func collectionPath(kind entity.Kind) string {
	return apiPrefix + kind.Endpoint()
}

func resourcePath(kind entity.Kind, serverID string) string {
	return apiPrefix + kind.Endpoint() + "/" + serverID
}

type idResponse struct {
	ID   rawID `json:"id"`
	Data *struct {
		ID rawID `json:"id"`
	} `json:"data"`
}

// rawID accepts string or numeric identifiers
type rawID string

func (r *rawID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := codec.Unmarshal(b, &v); err != nil {
			return err
		}
		*r = rawID(v)
		return nil
	}
	*r = rawID(s)
	return nil
}

func parseServerID(body []byte) (string, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", nil
	}
	var resp idResponse
	if err := codec.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != "" {
		return string(resp.ID), nil
	}
	if resp.Data != nil {
		return string(resp.Data.ID), nil
	}
	return "", nil
}
