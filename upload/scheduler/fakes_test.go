package scheduler

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/bitrise-io/go-uploadkit/upload/network"
	"github.com/bitrise-io/go-uploadkit/upload/state"
)

// flakyStore injects Save failures into a MemoryStore so tests can observe
// what the scheduler does when a state write is refused. failOn is fixed
// before the scheduler starts.
type flakyStore struct {
	*state.MemoryStore
	failOn func(state.Snapshot) bool
}

func (s *flakyStore) Save(ctx context.Context, snapshot state.Snapshot) error {
	if s.failOn != nil && s.failOn(snapshot) {
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.Save(ctx, snapshot)
}

// occupiedDestinations builds a stat responder that reports the given
// destination paths as taken and everything else as free.
func occupiedDestinations(paths ...string) func(string) (*network.RemoteFileInfo, error) {
	occupied := map[string]bool{}
	for _, p := range paths {
		occupied[p] = true
	}
	return func(remotePath string) (*network.RemoteFileInfo, error) {
		if occupied[remotePath] {
			return &network.RemoteFileInfo{
				Path:      remotePath,
				Name:      path.Base(remotePath),
				SizeBytes: 1024,
			}, nil
		}
		return nil, network.ErrFileNotFound
	}
}

type chunkCall struct {
	taskID   string
	fileName string
	index    int
	size     int64
}

type fileCall struct {
	taskID   string
	fileName string
	prefix   string
	size     int64
}

// fakeTransport records every transfer and answers them with scripted
// responses. It also tracks how many transfers overlap, so tests can assert
// the worker bound.
type fakeTransport struct {
	mu         sync.Mutex
	chunkCalls []chunkCall
	fileCalls  []fileCall

	// chunkErr and fileErr script the response for one call; nil funcs and
	// nil returns mean success.
	chunkErr func(call chunkCall) error
	fileErr  func(call fileCall) error
	// stat answers destination probes; the default reports every path free.
	stat func(remotePath string) (*network.RemoteFileInfo, error)

	// transferDelay holds each transfer open so concurrency can build up.
	transferDelay time.Duration
	active        int
	maxActive     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
}

func (f *fakeTransport) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeTransport) wait(ctx context.Context) error {
	if f.transferDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(f.transferDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) UploadChunk(ctx context.Context, params network.ChunkUploadParams) error {
	f.enter()
	defer f.leave()
	if err := f.wait(ctx); err != nil {
		return err
	}

	call := chunkCall{
		taskID:   params.TaskID,
		fileName: params.FileName,
		index:    params.Index,
		size:     params.SizeBytes,
	}
	f.mu.Lock()
	f.chunkCalls = append(f.chunkCalls, call)
	errFn := f.chunkErr
	f.mu.Unlock()

	if errFn != nil {
		return errFn(call)
	}
	return nil
}

func (f *fakeTransport) UploadFile(ctx context.Context, params network.FileUploadParams) error {
	f.enter()
	defer f.leave()
	if err := f.wait(ctx); err != nil {
		return err
	}

	if params.Open != nil {
		// Drain the payload the way a real transport would.
		src, err := params.Open()
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, src); err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		if err := src.Close(); err != nil {
			return err
		}
	}

	call := fileCall{
		taskID:   params.TaskID,
		fileName: params.FileName,
		prefix:   params.DestinationPrefix,
		size:     params.SizeBytes,
	}
	f.mu.Lock()
	f.fileCalls = append(f.fileCalls, call)
	errFn := f.fileErr
	f.mu.Unlock()

	if errFn != nil {
		return errFn(call)
	}
	return nil
}

func (f *fakeTransport) Stat(_ context.Context, remotePath string) (*network.RemoteFileInfo, error) {
	f.mu.Lock()
	statFn := f.stat
	f.mu.Unlock()
	if statFn != nil {
		return statFn(remotePath)
	}
	return nil, network.ErrFileNotFound
}

func (f *fakeTransport) chunkCallsFor(taskID string) []chunkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []chunkCall
	for _, call := range f.chunkCalls {
		if call.taskID == taskID {
			calls = append(calls, call)
		}
	}
	return calls
}

func (f *fakeTransport) fileCallsFor(taskID string) []fileCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []fileCall
	for _, call := range f.fileCalls {
		if call.taskID == taskID {
			calls = append(calls, call)
		}
	}
	return calls
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunkCalls) + len(f.fileCalls)
}

func (f *fakeTransport) highWaterMark() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeTransport) setChunkErr(fn func(call chunkCall) error) {
	f.mu.Lock()
	f.chunkErr = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setStat(fn func(remotePath string) (*network.RemoteFileInfo, error)) {
	f.mu.Lock()
	f.stat = fn
	f.mu.Unlock()
}
