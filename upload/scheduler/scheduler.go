// Package scheduler turns submitted upload tasks into bounded-concurrency
// transfers.
//
// One loop goroutine owns every task record, the FIFO queue and the worker
// budget. Workers, destination probes and reclaim timers report back through
// an outcome channel, so all state changes are serialized without locks.
// Durable state is written before the matching event is broadcast; observers
// never see progress the store has not recorded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-uploadkit/upload/chunkplan"
	"github.com/bitrise-io/go-uploadkit/upload/conflict"
	"github.com/bitrise-io/go-uploadkit/upload/network"
	"github.com/bitrise-io/go-uploadkit/upload/state"
)

const (
	// DefaultWorkerCount bounds how many tasks transfer concurrently.
	DefaultWorkerCount = 3
	// DefaultWholeFileThresholdBytes routes smaller files through the
	// single-shot path; files at or above it are chunked.
	DefaultWholeFileThresholdBytes int64 = 10 * 1024 * 1024
	// DefaultTerminalGrace keeps a completed task visible before reclaim.
	DefaultTerminalGrace = 5 * time.Second
	// DefaultFailedRetention bounds how long an undismissed failed task stays
	// inspectable.
	DefaultFailedRetention = 30 * time.Minute

	eventBufferSize = 512
)

// ErrDuplicateTask is returned when a submitted task id is already active.
var ErrDuplicateTask = errors.New("a task with this id is already active")

// ErrStopped is returned when the scheduling loop is not running.
var ErrStopped = errors.New("the scheduler is stopped")

// Config ...
type Config struct {
	WorkerCount             int
	ChunkSizeBytes          int64
	WholeFileThresholdBytes int64
	TerminalGrace           time.Duration
	FailedRetention         time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.ChunkSizeBytes <= 0 {
		c.ChunkSizeBytes = chunkplan.DefaultChunkSizeBytes
	}
	if c.WholeFileThresholdBytes <= 0 {
		c.WholeFileThresholdBytes = DefaultWholeFileThresholdBytes
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = DefaultTerminalGrace
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = DefaultFailedRetention
	}
	return c
}

// AddRequest describes one upload task to admit.
type AddRequest struct {
	TaskID            string
	FilePath          string
	FileName          string
	SizeBytes         int64
	DestinationPrefix string
	// RoundID groups this task's conflict check with the rest of its
	// submission batch, so the caller resolves the batch's conflicts together.
	RoundID string
	// RoundSize is the number of batch members that will run the destination
	// check; the round's conflicts are broadcast once all of them reported.
	RoundSize int
	// UploadedChunks seeds progress recovered from the state store. Indices
	// outside the task's chunk plan are dropped.
	UploadedChunks []int
	// Resume skips the destination conflict check. A recovered task already
	// passed it once and may legitimately collide with its own partial upload.
	Resume bool
	// StartPaused parks the task instead of queueing it, for recovered tasks
	// the caller had paused before the restart.
	StartPaused bool
}

type command interface {
	isCommand()
}

type addCmd struct {
	req   AddRequest
	reply chan error
}

type pauseCmd struct{ taskID string }
type resumeCmd struct{ taskID string }
type cancelCmd struct{ taskID string }
type dismissCmd struct{ taskID string }

type resolveCmd struct {
	taskID   string
	decision conflict.Decision
}

type statusCmd struct {
	reply chan []TaskStatus
}

func (addCmd) isCommand()     {}
func (pauseCmd) isCommand()   {}
func (resumeCmd) isCommand()  {}
func (cancelCmd) isCommand()  {}
func (dismissCmd) isCommand() {}
func (resolveCmd) isCommand() {}
func (statusCmd) isCommand()  {}

// Scheduler owns the task queue and drives transfers through the transport.
// Commands block until the loop picks them up, so Run must be started before
// the first command is sent.
type Scheduler struct {
	cfg        Config
	transport  network.Transport
	store      state.Store
	negotiator *conflict.Negotiator
	logger     log.Logger

	commands chan command
	outcomes chan outcome
	events   chan Event
	done     chan struct{}

	// Everything below is owned by the loop goroutine.
	ctx      context.Context
	tasks    map[string]*task
	queue    []string
	rounds   map[string]bool
	running  int
	admitSeq uint64
	workers  sync.WaitGroup
}

// New ...
func New(cfg Config, transport network.Transport, store state.Store, negotiator *conflict.Negotiator, logger log.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		transport:  transport,
		store:      store,
		negotiator: negotiator,
		logger:     logger,
		commands:   make(chan command),
		outcomes:   make(chan outcome, 64),
		events:     make(chan Event, eventBufferSize),
		done:       make(chan struct{}),
		tasks:      map[string]*task{},
		rounds:     map[string]bool{},
	}
}

// Events is the broadcast stream of progress, cancellation and conflict
// notifications. The channel is closed when Run returns.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Run drives the scheduling loop until ctx is cancelled, then waits for the
// in-flight workers to wind down so their last confirmed chunks still reach
// the store.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case o := <-s.outcomes:
			s.handleOutcome(o)
		}
	}
}

func (s *Scheduler) drain() {
	stopped := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(stopped)
	}()
	for {
		select {
		case o := <-s.outcomes:
			s.handleOutcome(o)
		case <-stopped:
			for {
				select {
				case o := <-s.outcomes:
					s.handleOutcome(o)
				default:
					close(s.done)
					return
				}
			}
		}
	}
}

// Add admits a task. It returns ErrDuplicateTask when the id is already
// active and ErrStopped when the loop is gone.
func (s *Scheduler) Add(req AddRequest) error {
	reply := make(chan error, 1)
	select {
	case s.commands <- addCmd{req: req, reply: reply}:
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrStopped
	}
}

// Pause halts the task's transfer while keeping its confirmed chunks, so it
// can resume later from the next index. Unknown and terminal ids are no-ops.
func (s *Scheduler) Pause(taskID string) {
	s.send(pauseCmd{taskID: taskID})
}

// Resume re-queues a paused task. Unknown and non-paused ids are no-ops.
func (s *Scheduler) Resume(taskID string) {
	s.send(resumeCmd{taskID: taskID})
}

// Cancel drops the task and removes its durable state. Unknown and terminal
// ids are no-ops.
func (s *Scheduler) Cancel(taskID string) {
	s.send(cancelCmd{taskID: taskID})
}

// Dismiss clears a terminal task before its retention elapses, typically a
// failed one the caller has inspected. Non-terminal ids are no-ops.
func (s *Scheduler) Dismiss(taskID string) {
	s.send(dismissCmd{taskID: taskID})
}

// ResolveConflict applies the caller's decision to a task that is awaiting
// conflict resolution. Each conflict accepts exactly one decision; repeats
// and unknown ids are no-ops.
func (s *Scheduler) ResolveConflict(taskID string, decision conflict.Decision) {
	s.send(resolveCmd{taskID: taskID, decision: decision})
}

// Status lists every active task in admission order.
func (s *Scheduler) Status() []TaskStatus {
	reply := make(chan []TaskStatus, 1)
	select {
	case s.commands <- statusCmd{reply: reply}:
	case <-s.done:
		return nil
	}
	select {
	case statuses := <-reply:
		return statuses
	case <-s.done:
		return nil
	}
}

func (s *Scheduler) send(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.done:
	}
}

// deliver hands an outcome to the loop. The done guard keeps late timers and
// probes from blocking after the loop has exited.
func (s *Scheduler) deliver(o outcome) {
	select {
	case s.outcomes <- o:
	case <-s.done:
	}
}

func (s *Scheduler) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case addCmd:
		c.reply <- s.add(c.req)
	case pauseCmd:
		s.pause(c.taskID)
	case resumeCmd:
		s.resume(c.taskID)
	case cancelCmd:
		s.cancel(c.taskID)
	case dismissCmd:
		s.dismiss(c.taskID)
	case resolveCmd:
		s.resolve(c.taskID, c.decision)
	case statusCmd:
		c.reply <- s.statusSnapshot()
	}
}

func (s *Scheduler) handleOutcome(o outcome) {
	switch v := o.(type) {
	case chunkUploaded:
		s.chunkLanded(v.taskID, v.index)
	case taskFinished:
		s.finished(v.taskID, v.err)
	case probeDone:
		s.probed(v)
	case renameDone:
		s.renamed(v)
	case reclaimDue:
		s.reclaim(v.taskID)
	}
}

func (s *Scheduler) add(req AddRequest) error {
	if req.RoundID != "" && !s.rounds[req.RoundID] {
		s.rounds[req.RoundID] = true
		s.negotiator.BeginRound(req.RoundID, req.RoundSize)
	}

	if existing, ok := s.tasks[req.TaskID]; ok {
		if !existing.status.Terminal() {
			// The round still expects this member's report.
			s.reportToRound(req.RoundID, nil)
			return fmt.Errorf("%w: %s", ErrDuplicateTask, req.TaskID)
		}
		// A finished task's id may be reused; the old record gives way.
		delete(s.tasks, req.TaskID)
	}

	plan := chunkplan.Build(req.SizeBytes, s.cfg.ChunkSizeBytes)
	t := &task{
		id:                req.TaskID,
		filePath:          req.FilePath,
		fileName:          req.FileName,
		destinationPrefix: req.DestinationPrefix,
		size:              req.SizeBytes,
		plan:              plan,
		uploaded:          map[int]struct{}{},
		status:            StatusPending,
		wholeFile:         req.SizeBytes < s.cfg.WholeFileThresholdBytes,
	}
	for _, idx := range req.UploadedChunks {
		if idx >= 0 && idx < len(plan) {
			t.uploaded[idx] = struct{}{}
		}
	}
	s.admitSeq++
	t.admitted = s.admitSeq
	s.tasks[t.id] = t

	if req.StartPaused {
		t.status = StatusPaused
		s.persistAndEmit(t)
		return nil
	}
	if req.Resume {
		s.enqueue(t)
		return nil
	}

	// The task is visible right away, but it only becomes eligible for a
	// worker slot once its destination check comes back clean.
	s.persistAndEmit(t)
	s.startProbe(t, req.RoundID)
	return nil
}

func (s *Scheduler) startProbe(t *task, roundID string) {
	taskID := t.id
	destination := network.DestinationPath(t.destinationPrefix, t.fileName)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		rec, err := s.negotiator.CheckDestination(s.ctx, taskID, destination)
		s.deliver(probeDone{taskID: taskID, roundID: roundID, rec: rec, err: err})
	}()
}

func (s *Scheduler) probed(p probeDone) {
	t, ok := s.tasks[p.taskID]
	if !ok {
		// Cancelled while probing. The round still needs this member's
		// report, but there is no task left to suspend.
		s.reportToRound(p.roundID, nil)
		return
	}

	rec := p.rec
	if p.err != nil {
		// An unreachable stat endpoint must not wedge the task; the upload
		// itself still reports a conflict if the destination is occupied.
		s.logger.Warnf("Destination check for %s failed, admitting the task anyway: %s", t.fileName, p.err)
		rec = nil
	}

	if rec == nil {
		if t.status == StatusPending {
			s.enqueue(t)
		}
	} else if t.status != StatusAwaitingConflictResolution {
		t.status = StatusAwaitingConflictResolution
		s.persistAndEmit(t)
	}
	s.reportToRound(p.roundID, rec)
}

// reportToRound forwards one member's probe outcome and broadcasts the
// round's conflicts once the last member has reported.
func (s *Scheduler) reportToRound(roundID string, rec *conflict.Record) {
	if roundID == "" && rec == nil {
		return
	}
	closed, records := s.negotiator.Report(roundID, rec)
	if closed {
		delete(s.rounds, roundID)
		if len(records) > 0 {
			s.emit(ConflictsEvent{Records: records})
		}
	}
}

func (s *Scheduler) enqueue(t *task) {
	t.status = StatusPending
	s.queue = append(s.queue, t.id)
	s.persistAndEmit(t)
	s.maybeStartTasks()
}

func (s *Scheduler) maybeStartTasks() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	for s.running < s.cfg.WorkerCount && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		t, ok := s.tasks[id]
		if !ok || t.status != StatusPending {
			continue
		}
		s.startTask(t)
	}
}

func (s *Scheduler) startTask(t *task) {
	t.status = StatusUploading
	t.pauseRequested = false
	t.cancelRequested = false
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}

	attemptCtx, cancel := context.WithCancel(s.ctx)
	t.cancelAttempt = cancel

	sess := session{
		taskID:            t.id,
		filePath:          t.filePath,
		fileName:          t.fileName,
		destinationPrefix: t.destinationPrefix,
		size:              t.size,
		plan:              t.plan,
		skip:              copyIndexSet(t.uploaded),
		wholeFile:         t.wholeFile,
	}

	s.running++
	s.persistAndEmit(t)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		sess.run(attemptCtx, s.transport, s.deliver)
	}()
}

func (s *Scheduler) chunkLanded(taskID string, index int) {
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	t.uploaded[index] = struct{}{}
	s.persistAndEmit(t)
}

func (s *Scheduler) finished(taskID string, cause error) {
	s.running--
	defer s.maybeStartTasks()

	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	t.cancelAttempt = nil

	switch {
	case t.cancelRequested:
		s.finalizeCancel(t)
	case cause == nil:
		s.complete(t)
	case errors.Is(cause, network.ErrChunkTransferUnsupported):
		s.fallBack(t, cause)
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		s.interrupted(t)
	case errors.Is(cause, network.ErrDestinationOccupied):
		s.conflicted(t)
	default:
		s.fail(t, cause)
	}
}

func (s *Scheduler) complete(t *task) {
	t.markAllUploaded()
	t.status = StatusCompleted
	s.persistAndEmit(t)
	s.scheduleReclaim(t.id, s.cfg.TerminalGrace)
}

// fallBack re-routes the task through the whole-file path. The switch is
// allowed once per task; a second fallback signal counts as a failure.
func (s *Scheduler) fallBack(t *task, cause error) {
	if t.fallbackUsed {
		s.fail(t, cause)
		return
	}
	t.fallbackUsed = true
	t.wholeFile = true
	s.logger.Infof("Chunk transfer is unavailable for %s, switching to whole-file transfer", t.fileName)

	t.status = StatusPending
	s.queue = append([]string{t.id}, s.queue...)
	s.persistAndEmit(t)
}

func (s *Scheduler) interrupted(t *task) {
	if t.pauseRequested {
		t.pauseRequested = false
		t.status = StatusPaused
		s.persistAndEmit(t)
		return
	}
	// The run context itself was cancelled. The store already holds every
	// confirmed chunk, so the task resumes on the next run; nothing to write.
	s.logger.Debugf("Transfer of %s interrupted by shutdown", t.fileName)
}

func (s *Scheduler) conflicted(t *task) {
	t.status = StatusAwaitingConflictResolution
	s.persistAndEmit(t)

	// The refusing endpoint does not describe the occupant, so look it up for
	// the conflict record. The record is delivered either way.
	taskID := t.id
	destination := network.DestinationPath(t.destinationPrefix, t.fileName)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		rec, err := s.negotiator.CheckDestination(s.ctx, taskID, destination)
		if rec == nil {
			if err != nil {
				s.logger.Warnf("Failed to look up the occupant of %s: %s", destination, err)
			}
			rec = &conflict.Record{TaskID: taskID, DestinationPath: destination}
		}
		s.deliver(probeDone{taskID: taskID, roundID: "", rec: rec})
	}()
}

func (s *Scheduler) fail(t *task, cause error) {
	t.status = StatusFailed
	t.lastError = cause.Error()
	s.logger.Errorf("Upload of %s failed: %s", t.fileName, cause)
	s.persistAndEmit(t)
	s.scheduleReclaim(t.id, s.cfg.FailedRetention)
}

func (s *Scheduler) pause(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok || t.status.Terminal() {
		return
	}
	switch t.status {
	case StatusPending:
		s.removeFromQueue(taskID)
		t.status = StatusPaused
		s.persistAndEmit(t)
	case StatusUploading:
		t.pauseRequested = true
		if t.cancelAttempt != nil {
			t.cancelAttempt()
		}
	}
}

func (s *Scheduler) resume(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok || t.status != StatusPaused {
		return
	}
	s.enqueue(t)
}

func (s *Scheduler) cancel(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok || t.status.Terminal() {
		return
	}
	switch t.status {
	case StatusUploading:
		t.cancelRequested = true
		if t.cancelAttempt != nil {
			t.cancelAttempt()
		}
	case StatusAwaitingConflictResolution:
		s.negotiator.Discard(taskID)
		s.finalizeCancel(t)
	default:
		s.removeFromQueue(taskID)
		s.finalizeCancel(t)
	}
}

// finalizeCancel drops the task from memory and broadcasts the cancellation
// before deleting the durable entry. The delete comes last, so a concurrent
// read can never resurrect a cancelled task.
func (s *Scheduler) finalizeCancel(t *task) {
	t.status = StatusCancelled
	delete(s.tasks, t.id)
	s.removeFromQueue(t.id)
	s.emit(CancelledEvent{TaskID: t.id, FileName: t.fileName})
	if err := s.store.Delete(context.Background(), t.id); err != nil {
		s.logger.Errorf("Failed to delete state of cancelled task %s: %s", t.id, err)
	}
}

func (s *Scheduler) dismiss(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok || !t.status.Terminal() {
		return
	}
	delete(s.tasks, taskID)
	if err := s.store.Delete(context.Background(), taskID); err != nil {
		s.logger.Errorf("Failed to delete state of dismissed task %s: %s", taskID, err)
	}
}

func (s *Scheduler) resolve(taskID string, decision conflict.Decision) {
	if !decision.Valid() {
		s.logger.Warnf("Ignoring unknown conflict decision %q for task %s", decision, taskID)
		return
	}
	if _, ok := s.negotiator.Resolve(taskID); !ok {
		return
	}
	t, ok := s.tasks[taskID]
	if !ok || t.status != StatusAwaitingConflictResolution {
		return
	}

	switch decision {
	case conflict.DecisionReplace:
		s.enqueue(t)
	case conflict.DecisionKeep:
		s.startRename(t)
	case conflict.DecisionCancel:
		s.finalizeCancel(t)
	}
}

func (s *Scheduler) startRename(t *task) {
	taskID, prefix, fileName := t.id, t.destinationPrefix, t.fileName
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		newName, err := s.negotiator.NextFreeName(s.ctx, prefix, fileName)
		s.deliver(renameDone{taskID: taskID, newName: newName, err: err})
	}()
}

func (s *Scheduler) renamed(r renameDone) {
	t, ok := s.tasks[r.taskID]
	if !ok || t.status != StatusAwaitingConflictResolution {
		return
	}
	if r.err != nil {
		s.fail(t, fmt.Errorf("failed to find a free destination name: %w", r.err))
		return
	}
	s.logger.Infof("Uploading %s as %s to keep the existing file", t.fileName, r.newName)
	t.fileName = r.newName
	s.enqueue(t)
}

func (s *Scheduler) scheduleReclaim(taskID string, after time.Duration) {
	time.AfterFunc(after, func() {
		s.deliver(reclaimDue{taskID: taskID})
	})
}

func (s *Scheduler) reclaim(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok || !t.status.Terminal() {
		return
	}
	delete(s.tasks, taskID)
	if err := s.store.Delete(context.Background(), taskID); err != nil {
		s.logger.Errorf("Failed to delete state of finished task %s: %s", taskID, err)
	}
}

func (s *Scheduler) statusSnapshot() []TaskStatus {
	ordered := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].admitted < ordered[j].admitted
	})

	statuses := make([]TaskStatus, len(ordered))
	for i, t := range ordered {
		statuses[i] = t.snapshot()
	}
	return statuses
}

// persistAndEmit writes the task's durable snapshot, then broadcasts it.
// When the write fails the event is withheld; the next successful write
// carries the progress forward.
func (s *Scheduler) persistAndEmit(t *task) {
	// Writes use a background context so a shutdown still records the last
	// confirmed chunk.
	err := s.store.Save(context.Background(), state.Snapshot{
		TaskID:            t.id,
		FileName:          t.fileName,
		DestinationPrefix: t.destinationPrefix,
		Status:            string(t.status),
		ChunkCount:        len(t.plan),
		UploadedChunks:    t.uploadedIndices(),
		ProgressPercent:   t.progressPercent(),
		UpdatedAt:         time.Now(),
	})
	if err != nil {
		s.logger.Errorf("Failed to persist state of task %s: %s", t.id, err)
		return
	}

	var elapsed time.Duration
	if !t.startedAt.IsZero() {
		elapsed = time.Since(t.startedAt)
	}
	s.emit(ProgressEvent{
		TaskID:          t.id,
		FileName:        t.fileName,
		Status:          t.status,
		ProgressPercent: t.progressPercent(),
		LastError:       t.lastError,
		SizeBytes:       t.size,
		ChunkCount:      len(t.plan),
		UsedFallback:    t.fallbackUsed,
		Elapsed:         elapsed,
	})
}

// emit never blocks the loop; with a wedged reader the event is dropped and
// the loss logged.
func (s *Scheduler) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warnf("Event buffer is full, dropping a %T", e)
	}
}

func (s *Scheduler) removeFromQueue(taskID string) {
	for i, id := range s.queue {
		if id == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func copyIndexSet(src map[int]struct{}) map[int]struct{} {
	dst := make(map[int]struct{}, len(src))
	for idx := range src {
		dst[idx] = struct{}{}
	}
	return dst
}
