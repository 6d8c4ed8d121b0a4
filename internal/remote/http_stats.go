package remote

import (
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"
)

// Stats counts traffic to the farm API.
type Stats struct {
	Requests    int64         `json:"requests"`
	Failures    int64         `json:"failures"`
	BytesSent   int64         `json:"bytesSent"`
	BytesRecv   int64         `json:"bytesRecv"`
	LastLatency time.Duration `json:"lastLatency"`
	LastRequest time.Time     `json:"lastRequest"`
	LastError   string        `json:"lastError,omitempty"`
}

type httpStats struct {
	requests    atomic.Int64
	failures    atomic.Int64
	bytesSent   atomic.Int64
	bytesRecv   atomic.Int64
	lastLatency atomic.Int64
	lastNs      atomic.Int64

	lastErrorValue atomic.Value // string
}

func newHTTPStats() *httpStats {
	s := &httpStats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *httpStats) record(resp *req.Response, err error, latency time.Duration) {
	s.requests.Add(1)
	s.lastLatency.Store(int64(latency))
	s.lastNs.Store(time.Now().UnixNano())

	if resp != nil && resp.Request != nil && resp.Request.RawRequest != nil {
		if n := resp.Request.RawRequest.ContentLength; n > 0 {
			s.bytesSent.Add(n)
		}
	}
	if resp != nil && resp.Response != nil {
		s.bytesRecv.Add(int64(len(resp.Bytes())))
	}

	switch {
	case err != nil:
		s.failures.Add(1)
		s.lastErrorValue.Store(err.Error())
	case resp != nil && resp.IsErrorState():
		s.failures.Add(1)
		s.lastErrorValue.Store(resp.Status)
	}
}

func (s *httpStats) snapshot() Stats {
	out := Stats{
		Requests:    s.requests.Load(),
		Failures:    s.failures.Load(),
		BytesSent:   s.bytesSent.Load(),
		BytesRecv:   s.bytesRecv.Load(),
		LastLatency: time.Duration(s.lastLatency.Load()),
	}
	if ns := s.lastNs.Load(); ns > 0 {
		out.LastRequest = time.Unix(0, ns)
	}
	if v, ok := s.lastErrorValue.Load().(string); ok {
		out.LastError = v
	}
	return out
}
