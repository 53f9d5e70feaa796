package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/bitrise-io/go-uploadkit/upload/chunkplan"
)

// Status is the lifecycle state of one upload task.
type Status string

const (
	// StatusPending marks a task admitted to the queue but not yet transferring.
	StatusPending Status = "pending"
	// StatusUploading marks a task occupying a worker slot.
	StatusUploading Status = "uploading"
	// StatusPaused marks a task halted by the caller, resumable any time.
	StatusPaused Status = "paused"
	// StatusAwaitingConflictResolution marks a task suspended until the caller
	// decides what to do about its occupied destination.
	StatusAwaitingConflictResolution Status = "awaiting_conflict_resolution"
	// StatusCompleted marks a task whose every byte is confirmed remote.
	StatusCompleted Status = "completed"
	// StatusFailed marks a task that exhausted its transfer retries.
	StatusFailed Status = "failed"
	// StatusCancelled marks a task dropped by the caller.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends a task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskStatus is a read-only snapshot of one task, safe to hand to any caller.
type TaskStatus struct {
	TaskID            string
	FileName          string
	DestinationPrefix string
	SizeBytes         int64
	Status            Status
	ProgressPercent   float64
	UploadedChunks    []int
	ChunkCount        int
	LastError         string
}

// task is the loop-owned mutable record of one upload. Only the scheduling
// loop touches it; everything that leaves the loop is a copy.
type task struct {
	id                string
	filePath          string
	fileName          string
	destinationPrefix string
	size              int64
	plan              chunkplan.Plan
	uploaded          map[int]struct{}

	status    Status
	lastError string

	// wholeFile routes the task through the single-shot path. fallbackUsed
	// records that the chunk endpoint already rejected this task, so the
	// routing decision is made at most once.
	wholeFile    bool
	fallbackUsed bool

	pauseRequested  bool
	cancelRequested bool
	cancelAttempt   context.CancelFunc

	admitted  uint64
	startedAt time.Time
}

func (t *task) progressPercent() float64 {
	if t.status == StatusCompleted {
		return 100
	}
	if len(t.plan) == 0 {
		return 0
	}
	return float64(len(t.uploaded)) / float64(len(t.plan)) * 100
}

func (t *task) markAllUploaded() {
	for _, c := range t.plan {
		t.uploaded[c.Index] = struct{}{}
	}
}

func (t *task) uploadedIndices() []int {
	indices := make([]int, 0, len(t.uploaded))
	for idx := range t.uploaded {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

func (t *task) snapshot() TaskStatus {
	return TaskStatus{
		TaskID:            t.id,
		FileName:          t.fileName,
		DestinationPrefix: t.destinationPrefix,
		SizeBytes:         t.size,
		Status:            t.status,
		ProgressPercent:   t.progressPercent(),
		UploadedChunks:    t.uploadedIndices(),
		ChunkCount:        len(t.plan),
		LastError:         t.lastError,
	}
}
