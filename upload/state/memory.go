package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and for callers that opt out of
// durability. It satisfies the same contract as SQLiteStore, minus surviving
// a process restart.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

func (s *MemoryStore) Save(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now()
	}
	snapshot.UploadedChunks = copyChunks(snapshot.UploadedChunks)
	s.snapshots[snapshot.TaskID] = snapshot
	return nil
}

func (s *MemoryStore) Load(_ context.Context, taskID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[taskID]
	if !ok {
		return Snapshot{}, false, nil
	}
	snapshot.UploadedChunks = copyChunks(snapshot.UploadedChunks)
	return snapshot, true, nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Snapshot, 0, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		snapshot.UploadedChunks = copyChunks(snapshot.UploadedChunks)
		result = append(result, snapshot)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].TaskID < result[j].TaskID
		}
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, taskID)
	return nil
}

func (s *MemoryStore) PruneStale(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for taskID, snapshot := range s.snapshots {
		if snapshot.UpdatedAt.Before(cutoff) {
			delete(s.snapshots, taskID)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyChunks(indices []int) []int {
	copied := make([]int, len(indices))
	copy(copied, indices)
	sort.Ints(copied)
	return copied
}
