package domain

import (
	"context"
	"sync"
)

// memStore is an in-memory PostStore for tests. Records keep insertion order.
type memStore struct {
	mu      sync.Mutex
	order   []string
	records map[string]PostRecord
	err     error
}

var _ PostStore = (*memStore)(nil)

func newMemStore(recs ...PostRecord) *memStore {
	s := &memStore{records: make(map[string]PostRecord)}
	for i := range recs {
		_ = s.Upsert(context.Background(), &recs[i])
	}
	return s
}

func (s *memStore) Upsert(_ context.Context, rec *PostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	r := *rec
	if r.Status == "" {
		r.Status = StatusUnverified
	}
	s.records[rec.ID] = r
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *memStore) filter(keep func(PostRecord) bool) ([]PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []PostRecord
	for _, id := range s.order {
		if r := s.records[id]; keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) FindByFingerprint(_ context.Context, mediaKey, id string) ([]PostRecord, error) {
	return s.filter(func(r PostRecord) bool {
		return r.ID == id || (mediaKey != "" && r.MediaKey == mediaKey)
	})
}

func (s *memStore) FindByDuration(_ context.Context, durationMS int64) ([]PostRecord, error) {
	return s.filter(func(r PostRecord) bool { return r.DurationMS == durationMS })
}

func (s *memStore) FindByAuthor(_ context.Context, authorID string) ([]PostRecord, error) {
	return s.filter(func(r PostRecord) bool { return r.AuthorID == authorID })
}

func (s *memStore) All(_ context.Context) ([]PostRecord, error) {
	return s.filter(func(PostRecord) bool { return true })
}

func (s *memStore) ListByStatus(_ context.Context, statuses ...Status) ([]PostRecord, error) {
	return s.filter(func(r PostRecord) bool {
		for _, st := range statuses {
			if r.Status == st {
				return true
			}
		}
		return false
	})
}

func (s *memStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	s.records[id] = r
	return nil
}

func (s *memStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *memStore) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
