// Package devapi is an in-memory farm API used for local development and
// integration tests. It implements the same contract the sync client talks to
// and can inject latency, outages and rejections.
package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/farmsync/internal/entity"
)

var ErrUnknownCollection = errors.New("unknown collection")

// Document is one stored entity.
type Document struct {
	ID        string          `json:"id"`
	LocalID   string          `json:"localId,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Call is a request the API has served.
type Call struct {
	Method     string
	Collection string
	ID         string
	Status     int
}

// Fault is an injected failure.
type Fault struct {
	Status  int
	Code    string
	Message string
}

// Store holds the collections and the injected behavior.
type Store struct {
	mu          sync.RWMutex
	collections map[entity.Kind]map[string]*Document
	calls       []Call

	latency time.Duration
	down    bool
	// failNext applies to the next n write requests
	failNext  int
	nextFault Fault
	rejects   map[entity.Kind]Fault
	now       func() time.Time
}

func NewStore() *Store {
	s := &Store{
		collections: make(map[entity.Kind]map[string]*Document),
		rejects:     make(map[entity.Kind]Fault),
		now:         time.Now,
	}
	for _, k := range entity.Kinds() {
		s.collections[k] = make(map[string]*Document)
	}
	return s
}

// SetLatency delays every request, health included.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetDown makes every request fail with 503.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNext makes the next n write requests fail with the given status.
func (s *Store) FailNext(n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.nextFault = Fault{Status: status, Code: "injected", Message: http.StatusText(status)}
}

// Reject makes every write to a collection fail with f until cleared with a zero Fault.
func (s *Store) Reject(kind entity.Kind, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Status == 0 {
		delete(s.rejects, kind)
		return
	}
	s.rejects[kind] = f
}

// Reset drops all documents, calls and injected faults.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.collections {
		s.collections[k] = make(map[string]*Document)
	}
	s.calls = nil
	s.latency = 0
	s.down = false
	s.failNext = 0
	s.rejects = make(map[entity.Kind]Fault)
}

func (s *Store) wait(ctx context.Context) error {
	s.mu.RLock()
	d := s.latency
	s.mu.RUnlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) isDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.down
}

// fault returns the injected failure for a write, consuming FailNext budget.
func (s *Store) fault(kind entity.Kind) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return Fault{Status: http.StatusServiceUnavailable, Code: "unavailable", Message: "service unavailable"}, true
	}
	if s.failNext > 0 {
		s.failNext--
		return s.nextFault, true
	}
	if f, ok := s.rejects[kind]; ok {
		return f, true
	}
	return Fault{}, false
}

func (s *Store) record(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

// Calls returns every write request served so far, in order.
func (s *Store) Calls() []Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount counts write requests with the given method.
func (s *Store) CallCount(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Create stores a new document. A create replayed with a localId already seen
// returns the existing document instead of a duplicate; created reports which.
func (s *Store) Create(kind entity.Kind, localID string, data json.RawMessage) (doc *Document, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[kind]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownCollection, kind)
	}
	now := s.now().UTC()
	if localID != "" {
		for _, existing := range coll {
			if existing.LocalID == localID {
				existing.Data = data
				existing.UpdatedAt = now
				return existing, false, nil
			}
		}
	}
	doc = &Document{
		ID:        uuid.NewString(),
		LocalID:   localID,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	coll[doc.ID] = doc
	return doc, true, nil
}

// Update replaces an existing document. It returns false if id is unknown.
func (s *Store) Update(kind entity.Kind, id string, data json.RawMessage) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[kind][id]
	if !ok {
		return nil, false
	}
	doc.Data = data
	doc.UpdatedAt = s.now().UTC()
	return doc, true
}

// Delete removes a document. It returns false if id is unknown.
func (s *Store) Delete(kind entity.Kind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[kind][id]; !ok {
		return false
	}
	delete(s.collections[kind], id)
	return true
}

func (s *Store) Get(kind entity.Kind, id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[kind][id]
	if !ok {
		return nil, false
	}
	cp := *doc
	return &cp, true
}

// List returns a collection ordered by creation time.
func (s *Store) List(kind entity.Kind) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.collections[kind]))
	for _, doc := range s.collections[kind] {
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FindByLocalID returns the document created for a local record id.
func (s *Store) FindByLocalID(kind entity.Kind, localID string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.collections[kind] {
		if doc.LocalID == localID {
			cp := *doc
			return &cp, true
		}
	}
	return nil, false
}

// Count is the number of documents in every collection.
func (s *Store) Count() map[entity.Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[entity.Kind]int, len(s.collections))
	for k, coll := range s.collections {
		out[k] = len(coll)
	}
	return out
}

// Preload stores a document under a fixed id, replacing any existing one.
func (s *Store) Preload(kind entity.Kind, id string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, kind)
	}
	now := s.now().UTC()
	coll[id] = &Document{ID: id, Data: data, CreatedAt: now, UpdatedAt: now}
	return nil
}
