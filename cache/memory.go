package cache

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MemoryStore keeps entries in process memory.  It is the default
// session cache.
type MemoryStore struct {
	metrics
	mu      sync.RWMutex
	entries map[string]*Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(registerer prometheus.Registerer) *MemoryStore {
	return &MemoryStore{
		metrics: newMetrics(registerer),
		entries: make(map[string]*Entry),
	}
}

func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[fingerprint]
	s.mu.RUnlock()
	if !ok {
		s.misses.WithLabelValues("memory").Inc()
		return nil, false, nil
	}
	s.hits.WithLabelValues("memory").Inc()
	// Hand out a copy so callers cannot alias the cached rows.
	return &Entry{Fingerprint: e.Fingerprint, Encoding: e.Encoding, Table: e.Table.Clone()}, true, nil
}

func (s *MemoryStore) Contains(_ context.Context, fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[fingerprint]
	return ok
}

func (s *MemoryStore) Put(_ context.Context, entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.Fingerprint] = &Entry{
			Fingerprint: e.Fingerprint,
			Encoding:    e.Encoding,
			Table:       e.Table.Clone(),
		}
	}
	return nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	return nil
}

// Len reports the number of cached entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
