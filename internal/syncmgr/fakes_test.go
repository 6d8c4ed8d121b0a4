package syncmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/farmsync/internal/connectivity"
	"github.com/openmined/farmsync/internal/entity"
	"github.com/openmined/farmsync/internal/observe"
	"github.com/openmined/farmsync/internal/store"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	online atomic.Bool
	states *observe.Subject[connectivity.State]
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{states: observe.NewSubject[connectivity.State](8)}
	c.set(online)
	return c
}

func (c *fakeConn) set(online bool) {
	c.online.Store(online)
	q := connectivity.QualityOffline
	if online {
		q = connectivity.QualityGood
	}
	c.states.Publish(connectivity.State{IsOnline: online, Quality: q})
}

func (c *fakeConn) IsOnline() bool                               { return c.online.Load() }
func (c *fakeConn) States() *observe.Subject[connectivity.State] { return c.states }

type call struct {
	Op       entity.Operation
	Kind     entity.Kind
	LocalID  string
	ServerID string
	Payload  string
}

// fakeRemote records calls and assigns server ids. fail, when set, decides the error of each call.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []call
	nextID  int
	owners  map[string]string // server id -> local id
	delay   time.Duration
	fail    func(c call) error
	onCall  func(c call)
	gate    chan struct{}
	active  map[string]int
	maxRec  int
	running int
	maxAll  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{owners: map[string]string{}, active: map[string]int{}}
}

func (r *fakeRemote) enter(c call) (string, func()) {
	r.mu.Lock()
	key := c.LocalID
	if key == "" {
		key = r.owners[c.ServerID]
	}
	r.calls = append(r.calls, c)
	r.active[key]++
	r.maxRec = max(r.maxRec, r.active[key])
	r.running++
	r.maxAll = max(r.maxAll, r.running)
	gate, delay, onCall := r.gate, r.delay, r.onCall
	r.mu.Unlock()

	if onCall != nil {
		onCall(c)
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return key, func() {
		r.mu.Lock()
		r.active[key]--
		r.running--
		r.mu.Unlock()
	}
}

func (r *fakeRemote) failure(c call) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail == nil {
		return nil
	}
	return fail(c)
}

func (r *fakeRemote) Create(ctx context.Context, kind entity.Kind, localID string, payload []byte) (string, error) {
	c := call{Op: entity.OpCreate, Kind: kind, LocalID: localID, Payload: string(payload)}
	_, leave := r.enter(c)
	defer leave()
	if err := r.failure(c); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("srv-%d", r.nextID)
	r.owners[id] = localID
	return id, nil
}

func (r *fakeRemote) Update(ctx context.Context, kind entity.Kind, serverID string, payload []byte) (string, error) {
	c := call{Op: entity.OpUpdate, Kind: kind, ServerID: serverID, Payload: string(payload)}
	_, leave := r.enter(c)
	defer leave()
	return "", r.failure(c)
}

func (r *fakeRemote) Delete(ctx context.Context, kind entity.Kind, serverID string) error {
	c := call{Op: entity.OpDelete, Kind: kind, ServerID: serverID}
	_, leave := r.enter(c)
	defer leave()
	return r.failure(c)
}

func (r *fakeRemote) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type harness struct {
	store  *store.Store
	remote *fakeRemote
	conn   *fakeConn
	clock  *testClock
	mgr    *Manager
}

func newHarness(t *testing.T, online bool, cfg Config) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)}
	st, err := store.Open("", store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, remote: newFakeRemote(), conn: newFakeConn(online), clock: clock}
	h.mgr, err = New(st, h.remote, h.conn, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return h
}

func (h *harness) put(t *testing.T, kind entity.Kind, localID, data string) *entity.Record {
	t.Helper()
	rec, err := h.store.Put(context.Background(), kind, localID, []byte(data))
	require.NoError(t, err)
	return rec
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.store.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}
