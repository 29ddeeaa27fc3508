package jobs

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/booker-api/internal/domain/booking"
)

// MemoryStore keeps records in process memory. With a positive limit the oldest
// terminal records are evicted once the limit is exceeded; in-flight records are
// never evicted.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   *list.List
	elems   map[string]*list.Element
	limit   int
	now     func() time.Time
}

func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		order:   list.New(),
		elems:   make(map[string]*list.Element),
		limit:   limit,
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, id string, req booking.Request) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r := newRecord(id, req, s.now())
	s.records[id] = &r
	s.elems[id] = s.order.PushBack(id)
	s.evictLocked()
	return r.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, u Update) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := apply(*r, u, s.now())
	if err != nil {
		return r.Clone(), err
	}
	*r = next
	if next.Status.Terminal() {
		s.evictLocked()
	}
	return next.Clone(), nil
}

func (s *MemoryStore) SetCallback(_ context.Context, id string, cb CallbackState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Callback = &cb
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) evictLocked() {
	if s.limit <= 0 {
		return
	}
	for e := s.order.Front(); e != nil && len(s.records) > s.limit; {
		next := e.Next()
		id := e.Value.(string)
		if r := s.records[id]; r.Status.Terminal() && !callbackInFlight(r) {
			delete(s.records, id)
			delete(s.elems, id)
			s.order.Remove(e)
		}
		e = next
	}
}

func callbackInFlight(r *Record) bool {
	return r.Callback != nil && r.Callback.Status == CallbackPending
}
