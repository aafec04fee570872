package delegation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentflow-io/agentflow/core"
)

// TraceStore persists delegation traces for later inspection.
type TraceStore interface {
	// Save writes a trace, replacing any existing one for the request.
	Save(ctx context.Context, trace *Trace) error

	// Get loads the trace for a request ID.
	Get(ctx context.Context, requestID string) (*Trace, error)

	// ListRecent returns up to limit request IDs, newest first.
	ListRecent(ctx context.Context, limit int) ([]string, error)

	// Close releases store resources.
	Close() error
}

// MemoryTraceStore keeps traces in process memory, bounded by maxTraces
// with oldest-first eviction.
type MemoryTraceStore struct {
	mu        sync.RWMutex
	traces    map[string]*Trace
	order     []string // insertion order, oldest first
	maxTraces int
}

// NewMemoryTraceStore builds an in-memory store holding at most
// maxTraces entries; maxTraces <= 0 means unbounded.
func NewMemoryTraceStore(maxTraces int) *MemoryTraceStore {
	return &MemoryTraceStore{
		traces:    make(map[string]*Trace),
		maxTraces: maxTraces,
	}
}

func (s *MemoryTraceStore) Save(ctx context.Context, trace *Trace) error {
	if trace == nil || trace.RequestID == "" {
		return fmt.Errorf("trace store: %w: trace needs a request ID", core.ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.traces[trace.RequestID]; !exists {
		s.order = append(s.order, trace.RequestID)
	}
	copied := *trace
	s.traces[trace.RequestID] = &copied

	for s.maxTraces > 0 && len(s.order) > s.maxTraces {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.traces, evict)
	}
	return nil
}

func (s *MemoryTraceStore) Get(ctx context.Context, requestID string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trace, ok := s.traces[requestID]
	if !ok {
		return nil, fmt.Errorf("trace store: %w: %s", core.ErrTraceNotFound, requestID)
	}
	copied := *trace
	return &copied, nil
}

func (s *MemoryTraceStore) ListRecent(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	// Newest first.
	sort.SliceStable(ids, func(i, j int) bool {
		return s.traces[ids[i]].CreatedAt.After(s.traces[ids[j]].CreatedAt)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryTraceStore) Close() error { return nil }
