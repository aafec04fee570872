package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentflow-io/agentflow/core"
)

// MemoryStore is the in-process Store used by tests and by deployments
// that explicitly opt out of durability.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*memoryThread
}

type memoryThread struct {
	records   []core.CheckpointRecord
	status    core.ThreadStatus
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*memoryThread)}
}

func (s *MemoryStore) Put(ctx context.Context, threadID string, state []byte, status core.ThreadStatus) (core.CheckpointRecord, error) {
	if threadID == "" {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint put: empty thread id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		thread = &memoryThread{}
		s.threads[threadID] = thread
	}

	record := core.CheckpointRecord{
		ThreadID:     threadID,
		CheckpointID: 1,
		Timestamp:    time.Now().UTC(),
		State:        append([]byte(nil), state...),
		ThreadStatus: status,
	}
	if n := len(thread.records); n > 0 {
		parent := thread.records[n-1].CheckpointID
		record.CheckpointID = parent + 1
		record.ParentID = &parent
	}

	thread.records = append(thread.records, record)
	thread.status = status
	thread.updatedAt = record.Timestamp
	return record, nil
}

func (s *MemoryStore) Latest(ctx context.Context, threadID string) (core.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok || len(thread.records) == 0 {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint latest: %w: %s", core.ErrThreadNotFound, threadID)
	}
	record := thread.records[len(thread.records)-1]
	record.ThreadStatus = thread.status
	return record, nil
}

func (s *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]core.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadID]
	if !ok || len(thread.records) == 0 {
		return nil, fmt.Errorf("checkpoint history: %w: %s", core.ErrThreadNotFound, threadID)
	}

	out := make([]core.CheckpointRecord, 0, len(thread.records))
	for i := len(thread.records) - 1; i >= 0; i-- {
		record := thread.records[i]
		record.ThreadStatus = thread.status
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkThread(ctx context.Context, threadID string, status core.ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("checkpoint mark: %w: %s", core.ErrThreadNotFound, threadID)
	}
	thread.status = status
	thread.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) IncompleteThreads(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []string
	for id, thread := range s.threads {
		if thread.status == core.ThreadActive && !thread.updatedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListThreads(ctx context.Context) ([]core.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]core.ThreadSummary, 0, len(s.threads))
	for id, thread := range s.threads {
		summaries = append(summaries, core.ThreadSummary{
			ThreadID:    id,
			Status:      thread.status,
			LastUpdated: thread.updatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUpdated.After(summaries[j].LastUpdated)
	})
	return summaries, nil
}

func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) Vacuum(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
