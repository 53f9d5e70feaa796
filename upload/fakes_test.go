package upload

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"

	"github.com/bitrise-io/go-uploadkit/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type transferCall struct {
	kind     string // "chunk" or "file"
	taskID   string
	fileName string
	prefix   string
	index    int
	size     int64
}

// fakeTransport records transfer calls and answers them with scripted
// outcomes. The zero value accepts everything and reports every destination
// as free.
type fakeTransport struct {
	mu            sync.Mutex
	calls         []transferCall
	chunkErr      func(params network.ChunkUploadParams) error
	fileErr       func(params network.FileUploadParams) error
	stat          func(remotePath string) (*network.RemoteFileInfo, error)
	transferDelay time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) UploadFile(ctx context.Context, params network.FileUploadParams) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	if params.Open != nil {
		body, err := params.Open()
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}
		if err := body.Close(); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, transferCall{
		kind:     "file",
		taskID:   params.TaskID,
		fileName: params.FileName,
		prefix:   params.DestinationPrefix,
		size:     params.SizeBytes,
	})
	errFn := f.fileErr
	f.mu.Unlock()
	if errFn != nil {
		return errFn(params)
	}
	return nil
}

func (f *fakeTransport) UploadChunk(ctx context.Context, params network.ChunkUploadParams) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, transferCall{
		kind:     "chunk",
		taskID:   params.TaskID,
		fileName: params.FileName,
		prefix:   params.DestinationPrefix,
		index:    params.Index,
		size:     params.SizeBytes,
	})
	errFn := f.chunkErr
	f.mu.Unlock()
	if errFn != nil {
		return errFn(params)
	}
	return nil
}

func (f *fakeTransport) Stat(_ context.Context, remotePath string) (*network.RemoteFileInfo, error) {
	f.mu.Lock()
	stat := f.stat
	f.mu.Unlock()
	if stat != nil {
		return stat(remotePath)
	}
	return nil, network.ErrFileNotFound
}

func (f *fakeTransport) wait(ctx context.Context) error {
	if f.transferDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.transferDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) setChunkErr(fn func(params network.ChunkUploadParams) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkErr = fn
}

func (f *fakeTransport) setFileErr(fn func(params network.FileUploadParams) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileErr = fn
}

func (f *fakeTransport) setStat(fn func(remotePath string) (*network.RemoteFileInfo, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stat = fn
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) callsFor(taskID string) []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transferCall
	for _, call := range f.calls {
		if call.taskID == taskID {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeTransport) chunkIndexesFor(taskID string) []int {
	var out []int
	for _, call := range f.callsFor(taskID) {
		if call.kind == "chunk" {
			out = append(out, call.index)
		}
	}
	return out
}

func (f *fakeTransport) uploadedFileNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.calls {
		if call.kind == "file" {
			out = append(out, call.fileName)
		}
	}
	return out
}

// occupiedDestinations builds a stat responder that reports the given remote
// paths as taken and every other path as free.
func occupiedDestinations(paths ...string) func(remotePath string) (*network.RemoteFileInfo, error) {
	occupied := map[string]bool{}
	for _, p := range paths {
		occupied[p] = true
	}
	return func(remotePath string) (*network.RemoteFileInfo, error) {
		if occupied[remotePath] {
			return &network.RemoteFileInfo{
				Path:       remotePath,
				Name:       path.Base(remotePath),
				SizeBytes:  1024,
				ETag:       "etag-occupied",
				ModifiedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			}, nil
		}
		return nil, network.ErrFileNotFound
	}
}

type trackedEvent struct {
	name       string
	properties analytics.Properties
}

// recordingTracker keeps enqueued analytics events for assertions.
type recordingTracker struct {
	mu     sync.Mutex
	events []trackedEvent
}

func (r *recordingTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	merged := analytics.Properties{}
	for _, p := range properties {
		for k, v := range p {
			merged[k] = v
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, trackedEvent{name: eventName, properties: merged})
}

func (r *recordingTracker) Wait() {}

func (r *recordingTracker) eventsNamed(name string) []trackedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trackedEvent
	for _, event := range r.events {
		if event.name == name {
			out = append(out, event)
		}
	}
	return out
}
