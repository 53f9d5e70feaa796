// Package state persists upload progress so that interrupted transfers can
// resume from their last confirmed chunk instead of starting over.
package state

import (
	"context"
	"time"
)

// Snapshot is the durable record of one upload task, keyed by task ID.
// UploadedChunks holds the indices confirmed by the remote side, sorted
// ascending. ChunkCount pins the chunk plan the indices belong to: a snapshot
// recorded under a different plan must not be merged into a new task.
type Snapshot struct {
	TaskID            string
	FileName          string
	DestinationPrefix string
	Status            string
	ChunkCount        int
	UploadedChunks    []int
	ProgressPercent   float64
	UpdatedAt         time.Time
}

// Store is a durable task-ID-keyed map of upload progress. Writes for a single
// task ID are issued by one writer at a time (the scheduling loop); different
// task IDs may be written concurrently.
type Store interface {
	// Save inserts or replaces the snapshot for its task ID.
	Save(ctx context.Context, snapshot Snapshot) error
	// Load returns the snapshot for the task ID, reporting whether one exists.
	Load(ctx context.Context, taskID string) (Snapshot, bool, error)
	// LoadAll returns every stored snapshot.
	LoadAll(ctx context.Context) ([]Snapshot, error)
	// Delete removes the snapshot for the task ID. Deleting a missing entry is not an error.
	Delete(ctx context.Context, taskID string) error
	// PruneStale removes snapshots not updated within maxAge and returns how many were removed.
	PruneStale(ctx context.Context, maxAge time.Duration) (int, error)
	// Close releases the underlying storage.
	Close() error
}
