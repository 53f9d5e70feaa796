// Package upload is the collaborator-facing entry point of the transfer
// pipeline. The Manager validates submissions, hands them to the scheduling
// loop, relays progress, conflict and cancellation events to subscribers and
// answers status queries with snapshots.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/gofrs/uuid"

	"github.com/bitrise-io/go-uploadkit/upload/chunkplan"
	"github.com/bitrise-io/go-uploadkit/upload/conflict"
	"github.com/bitrise-io/go-uploadkit/upload/network"
	"github.com/bitrise-io/go-uploadkit/upload/scheduler"
	"github.com/bitrise-io/go-uploadkit/upload/state"
)

// ErrInvalidInput flags a submission the pipeline refuses: an unreadable or
// irregular source file, an empty name, a bad glob pattern or a task id that
// is already active.
var ErrInvalidInput = errors.New("invalid upload input")

// ErrNotRunning is returned by operations that need the scheduling loop.
var ErrNotRunning = errors.New("the upload manager is not running")

// Event is a notification from the pipeline. The concrete types are
// scheduler.ProgressEvent, scheduler.CancelledEvent and
// scheduler.ConflictsEvent.
type Event = scheduler.Event

// SubmitRequest describes one file to upload.
type SubmitRequest struct {
	// FilePath is the local source. It must point at a readable regular file.
	FilePath string
	// DestinationPrefix is the remote folder to upload into. Empty lands the
	// file at the destination root.
	DestinationPrefix string
	// FileName overrides the name the file is stored under remotely.
	// Defaults to the local file name.
	FileName string
	// TaskID identifies the task towards every later call. Generated when
	// empty. Submitting an id recorded by an earlier run continues that
	// task's progress instead of starting over.
	TaskID string
}

// Manager accepts upload tasks and drives them in the background. All methods
// are safe for concurrent use; the task state itself is owned by a single
// scheduling loop.
type Manager struct {
	cfg       Config
	transport network.Transport
	store     state.Store
	tokens    *network.TokenStore
	tracker   uploadTracker
	logger    log.Logger

	pathModifier pathutil.PathModifier
	scheduler    *scheduler.Scheduler

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
	fanDone   chan struct{}
	recovered map[string]state.Snapshot

	subsMu      sync.Mutex
	subscribers map[uint64]func(Event)
	subSeq      uint64
}

// NewManager wires the pipeline together. `tokens` can be nil when the
// transport manages its own credentials, and `tracker` can be nil to disable
// usage analytics.
func NewManager(cfg Config, transport network.Transport, store state.Store, tokens *network.TokenStore, tracker analytics.Tracker, logger log.Logger) *Manager {
	cfg = cfg.withDefaults()
	negotiator := conflict.NewNegotiator(transport, logger)
	return &Manager{
		cfg:          cfg,
		transport:    transport,
		store:        store,
		tokens:       tokens,
		tracker:      uploadTracker{tracker: tracker, logger: logger},
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
		scheduler:    scheduler.New(cfg.Scheduler, transport, store, negotiator, logger),
		recovered:    map[string]state.Snapshot{},
		subscribers:  map[uint64]func(Event){},
	}
}

// Start prunes stale durable state, loads the task snapshots an earlier run
// recorded and launches the scheduling loop. Recovered snapshots stay passive
// until their files are submitted again under the same task id.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	pruned, err := m.store.PruneStale(ctx, m.cfg.StaleStateMaxAge)
	if err != nil {
		m.logger.Warnf("Failed to prune stale upload state: %s", err)
	} else if pruned > 0 {
		m.logger.Debugf("Pruned %d stale upload state entries", pruned)
	}

	snapshots, err := m.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load upload state: %w", err)
	}
	m.recovered = make(map[string]state.Snapshot, len(snapshots))
	for _, snapshot := range snapshots {
		m.recovered[snapshot.TaskID] = snapshot
	}
	if len(snapshots) > 0 {
		m.logger.Infof("Found recorded progress for %d upload task(s) from an earlier run", len(snapshots))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	m.runDone = make(chan struct{})
	m.fanDone = make(chan struct{})
	go func() {
		defer close(m.runDone)
		m.scheduler.Run(runCtx)
	}()
	go m.fanOut()

	m.running = true
	return nil
}

// Stop winds the pipeline down. In-flight attempts are cancelled; their
// confirmed chunks are already durable, so a later run continues instead of
// re-sending. Stop returns once the loop and the event stream have drained.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, runDone, fanDone := m.cancelRun, m.runDone, m.fanDone
	m.mu.Unlock()

	cancel()
	<-runDone
	<-fanDone
	m.tracker.wait()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close the state store: %w", err)
	}
	return nil
}

// Submit validates and admits a single upload task, returning the id that
// every later pause, resume, cancel and conflict call addresses.
func (m *Manager) Submit(req SubmitRequest) (string, error) {
	ids, err := m.SubmitBatch([]SubmitRequest{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch validates and admits several upload tasks together. Validation
// is all-or-nothing: one bad input fails the batch before anything is
// admitted. Destination conflicts found during admission are negotiated as
// one batch too, in a single ConflictsEvent.
func (m *Manager) SubmitBatch(reqs []SubmitRequest) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, ErrNotRunning
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: nothing to submit", ErrInvalidInput)
	}

	adds := make([]scheduler.AddRequest, 0, len(reqs))
	for _, req := range reqs {
		add, err := m.buildAddRequest(req)
		if err != nil {
			return nil, err
		}
		adds = append(adds, add)
	}

	// Fresh submissions run a destination check; recovered ones already
	// passed it. Only the checked members join the batch's conflict round.
	probing := 0
	for _, add := range adds {
		if !add.Resume && !add.StartPaused {
			probing++
		}
	}
	roundID := ""
	if probing > 0 {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("failed to generate a batch id: %w", err)
		}
		roundID = id.String()
	}

	ids := make([]string, 0, len(adds))
	var errs []error
	for i := range adds {
		if !adds[i].Resume && !adds[i].StartPaused {
			adds[i].RoundID = roundID
			adds[i].RoundSize = probing
		}
		if err := m.scheduler.Add(adds[i]); err != nil {
			if errors.Is(err, scheduler.ErrDuplicateTask) {
				err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
			errs = append(errs, err)
			continue
		}
		m.logger.Printf("Queued %s (%s) for upload", adds[i].FileName, units.HumanSizeWithPrecision(float64(adds[i].SizeBytes), 3))
		ids = append(ids, adds[i].TaskID)
	}
	return ids, errors.Join(errs...)
}

// SubmitGlob expands a doublestar pattern against the filesystem and submits
// every matching regular file as one batch.
func (m *Manager) SubmitGlob(pattern, destinationPrefix string) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidInput)
	}

	base, pat := doublestar.SplitPattern(pattern)
	absBase, err := m.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	matches, err := doublestar.Glob(os.DirFS(absBase), pat, doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern %s: %s", ErrInvalidInput, pattern, err)
	}

	var reqs []SubmitRequest
	for _, match := range matches {
		path := filepath.Join(absBase, match)
		info, err := os.Stat(path)
		if err != nil {
			m.logger.Warnf("Failed to check path %s, error: %s", path, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		reqs = append(reqs, SubmitRequest{FilePath: path, DestinationPrefix: destinationPrefix})
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: no files match pattern %s", ErrInvalidInput, pattern)
	}
	return m.SubmitBatch(reqs)
}

// Pause holds a pending or transferring task. Chunks already confirmed stay
// durable; Resume continues after them. Unknown and terminal ids are no-ops.
func (m *Manager) Pause(taskID string) {
	if !m.isRunning() {
		return
	}
	m.scheduler.Pause(taskID)
}

// Resume re-queues a paused task.
func (m *Manager) Resume(taskID string) {
	if !m.isRunning() {
		return
	}
	m.scheduler.Resume(taskID)
}

// Cancel withdraws a task: the running attempt is interrupted, a
// CancelledEvent is emitted and the durable state entry is deleted as the
// final step. Unknown and terminal ids are no-ops.
func (m *Manager) Cancel(taskID string) {
	if !m.isRunning() {
		return
	}
	m.scheduler.Cancel(taskID)
}

// Dismiss clears a finished task from the status list without waiting for
// its retention to lapse. Non-terminal ids are no-ops.
func (m *Manager) Dismiss(taskID string) {
	if !m.isRunning() {
		return
	}
	m.scheduler.Dismiss(taskID)
}

// SetAuthToken swaps the bearer token stamped on transfer attempts from now
// on. In-flight attempts finish with the token they were sent with; the next
// attempt of any task, including retries, picks up the new one.
func (m *Manager) SetAuthToken(token string) {
	if m.tokens == nil {
		m.logger.Debugf("No token store configured, the transport manages its own credentials")
		return
	}
	m.tokens.Rotate(token)
}

// ResolveConflict applies the caller's decision for one conflicted task:
// replace the occupant, keep both under a free name, or cancel the task.
func (m *Manager) ResolveConflict(taskID string, decision conflict.Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: unknown conflict decision %q", ErrInvalidInput, decision)
	}
	if !m.isRunning() {
		return ErrNotRunning
	}
	m.scheduler.ResolveConflict(taskID, decision)
	return nil
}

// ResolveConflicts applies decisions for several conflicted tasks, typically
// the members of one ConflictsEvent. Each decision stands on its own.
func (m *Manager) ResolveConflicts(decisions map[string]conflict.Decision) error {
	var errs []error
	for taskID, decision := range decisions {
		if err := m.ResolveConflict(taskID, decision); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", taskID, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a callback for pipeline events. Every subscriber
// receives every event emitted after its registration; there is no history
// replay. The returned function unsubscribes. Callbacks run on the fan-out
// goroutine: they must return quickly and must not call Stop, which waits
// for the fan-out to drain.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subSeq++
	id := m.subSeq
	m.subscribers[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subscribers, id)
	}
}

// Status lists the live tasks in admission order, as deep-copied snapshots.
func (m *Manager) Status() []scheduler.TaskStatus {
	if !m.isRunning() {
		return nil
	}
	return m.scheduler.Status()
}

// Recovered lists the durable snapshots found at startup that no submission
// has claimed yet. Submitting a request with a matching TaskID claims the
// snapshot and continues after its confirmed chunks.
func (m *Manager) Recovered() []state.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Snapshot, 0, len(m.recovered))
	for _, snapshot := range m.recovered {
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (m *Manager) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// buildAddRequest validates one submission and resolves it into the
// scheduler's admission form. Callers hold m.mu.
func (m *Manager) buildAddRequest(req SubmitRequest) (scheduler.AddRequest, error) {
	if strings.TrimSpace(req.FilePath) == "" {
		return scheduler.AddRequest{}, fmt.Errorf("%w: empty file path", ErrInvalidInput)
	}
	absPath, err := m.pathModifier.AbsPath(req.FilePath)
	if err != nil {
		return scheduler.AddRequest{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return scheduler.AddRequest{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if !info.Mode().IsRegular() {
		return scheduler.AddRequest{}, fmt.Errorf("%w: %s is not a regular file", ErrInvalidInput, absPath)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return scheduler.AddRequest{}, fmt.Errorf("%w: %s is not readable: %s", ErrInvalidInput, absPath, err)
	}
	if err := file.Close(); err != nil {
		m.logger.Printf(err.Error())
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = filepath.Base(absPath)
	}
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return scheduler.AddRequest{}, fmt.Errorf("%w: no usable file name in %s", ErrInvalidInput, req.FilePath)
	}

	taskID := req.TaskID
	if taskID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return scheduler.AddRequest{}, fmt.Errorf("failed to generate a task id: %w", err)
		}
		taskID = id.String()
	}

	add := scheduler.AddRequest{
		TaskID:            taskID,
		FilePath:          absPath,
		FileName:          fileName,
		SizeBytes:         info.Size(),
		DestinationPrefix: req.DestinationPrefix,
	}
	m.mergeRecovered(&add)
	return add, nil
}

// mergeRecovered seeds a submission with the chunk progress a previous run
// recorded under the same task id. The recording only counts if the chunk
// plan still lines up; a changed file or chunk size starts the task over.
func (m *Manager) mergeRecovered(add *scheduler.AddRequest) {
	snapshot, ok := m.recovered[add.TaskID]
	if !ok {
		return
	}
	delete(m.recovered, add.TaskID)

	plan := chunkplan.Build(add.SizeBytes, m.cfg.Scheduler.ChunkSizeBytes)
	if len(plan) != snapshot.ChunkCount {
		m.logger.Warnf("Recorded progress for task %s no longer matches the file, starting over", add.TaskID)
		return
	}

	add.UploadedChunks = snapshot.UploadedChunks
	add.Resume = true
	switch scheduler.Status(snapshot.Status) {
	case scheduler.StatusPaused, scheduler.StatusAwaitingConflictResolution:
		// The earlier run held this task back; it stays held until the
		// caller resumes it.
		add.StartPaused = true
	}

	next := plan.NextIndex(indexSet(snapshot.UploadedChunks))
	if next < 0 {
		m.logger.Infof("Task %s already has every chunk confirmed, finishing it", add.TaskID)
	} else {
		m.logger.Infof("Resuming task %s from chunk %d/%d", add.TaskID, next, snapshot.ChunkCount)
	}
}

// fanOut forwards scheduler events to the subscribers and feeds the usage
// tracker. It exits when the loop closes its event stream.
func (m *Manager) fanOut() {
	defer close(m.fanDone)
	for event := range m.scheduler.Events() {
		m.track(event)
		for _, notify := range m.subscriberList() {
			notify(event)
		}
	}
}

func (m *Manager) track(event Event) {
	progress, ok := event.(scheduler.ProgressEvent)
	if !ok {
		return
	}
	switch progress.Status {
	case scheduler.StatusCompleted:
		m.tracker.logTaskCompleted(progress.Elapsed, progress.SizeBytes, progress.ChunkCount, progress.UsedFallback)
	case scheduler.StatusFailed:
		m.tracker.logTaskFailed(progress.LastError, progress.SizeBytes)
	}
}

func (m *Manager) subscriberList() []func(Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	list := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		list = append(list, fn)
	}
	return list
}

func indexSet(indices []int) map[int]struct{} {
	set := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		set[idx] = struct{}{}
	}
	return set
}
