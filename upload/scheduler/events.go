package scheduler

import (
	"time"

	"github.com/bitrise-io/go-uploadkit/upload/conflict"
)

// Event is a broadcast notification about scheduler activity. Events carry
// value copies only, so any number of subscribers may read them.
type Event interface {
	isEvent()
}

// ProgressEvent reports a task's state after a chunk landed or its status
// changed. The carried state is never ahead of what the state store has
// durably recorded.
type ProgressEvent struct {
	TaskID          string
	FileName        string
	Status          Status
	ProgressPercent float64
	// LastError is set when Status is StatusFailed.
	LastError string

	SizeBytes    int64
	ChunkCount   int
	UsedFallback bool
	// Elapsed is the time since the task first occupied a worker slot. Zero
	// for tasks that never started transferring.
	Elapsed time.Duration
}

// CancelledEvent reports that a task was dropped on the caller's request and
// its durable state removed.
type CancelledEvent struct {
	TaskID   string
	FileName string
}

// ConflictsEvent delivers one negotiation round's worth of occupied
// destinations. Every record wants exactly one replace, keep or cancel
// decision.
type ConflictsEvent struct {
	Records []conflict.Record
}

func (ProgressEvent) isEvent()  {}
func (CancelledEvent) isEvent() {}
func (ConflictsEvent) isEvent() {}
