package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-uploadkit/upload/chunkplan"
	"github.com/bitrise-io/go-uploadkit/upload/conflict"
	"github.com/bitrise-io/go-uploadkit/upload/network"
)

// outcome is a message from a worker, probe or timer back to the scheduling
// loop. Outcomes from one goroutine arrive in send order, so a task's chunk
// acknowledgements are always handled before its finish report.
type outcome interface {
	isOutcome()
}

// chunkUploaded reports one chunk confirmed by the remote side.
type chunkUploaded struct {
	taskID string
	index  int
}

// taskFinished reports that a worker released its slot. A nil err means the
// whole payload is remote; otherwise err carries the cause the loop
// classifies: cancellation, the fallback signal, a destination conflict or a
// terminal transfer failure.
type taskFinished struct {
	taskID string
	err    error
}

// probeDone reports a destination existence check.
type probeDone struct {
	taskID  string
	roundID string
	rec     *conflict.Record
	err     error
}

// renameDone reports the outcome of the keep-both destination search.
type renameDone struct {
	taskID  string
	newName string
	err     error
}

// reclaimDue fires when a terminal task's retention delay has elapsed.
type reclaimDue struct {
	taskID string
}

func (chunkUploaded) isOutcome() {}
func (taskFinished) isOutcome()  {}
func (probeDone) isOutcome()     {}
func (renameDone) isOutcome()    {}
func (reclaimDue) isOutcome()    {}

// session is an immutable description of one worker's transfer run, built by
// the loop from a task. It shares no mutable state with the task, so the
// loop is free to keep updating the task while the session transfers.
type session struct {
	taskID            string
	filePath          string
	fileName          string
	destinationPrefix string
	size              int64
	plan              chunkplan.Plan
	skip              map[int]struct{}
	wholeFile         bool
}

// run transfers the session's payload and reports outcomes through send.
// Chunked sessions upload strictly in index order and skip chunks that are
// already confirmed remote; the first failed chunk ends the session.
func (s session) run(ctx context.Context, transport network.Transport, send func(outcome)) {
	if s.wholeFile {
		send(taskFinished{taskID: s.taskID, err: s.uploadWhole(ctx, transport)})
		return
	}
	send(taskFinished{taskID: s.taskID, err: s.uploadChunks(ctx, transport, send)})
}

func (s session) uploadWhole(ctx context.Context, transport network.Transport) error {
	return transport.UploadFile(ctx, network.FileUploadParams{
		TaskID:            s.taskID,
		FileName:          s.fileName,
		DestinationPrefix: s.destinationPrefix,
		SizeBytes:         s.size,
		Open: func() (io.ReadCloser, error) {
			return os.Open(s.filePath)
		},
	})
}

func (s session) uploadChunks(ctx context.Context, transport network.Transport, send func(outcome)) error {
	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.filePath, err)
	}
	defer func() {
		_ = file.Close()
	}()

	for _, chunk := range s.plan {
		if _, ok := s.skip[chunk.Index]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := transport.UploadChunk(ctx, network.ChunkUploadParams{
			TaskID:            s.taskID,
			FileName:          s.fileName,
			DestinationPrefix: s.destinationPrefix,
			Index:             chunk.Index,
			TotalChunks:       len(s.plan),
			SizeBytes:         chunk.Length,
			Body:              io.NewSectionReader(file, chunk.Offset, chunk.Length),
		})
		if err != nil {
			return err
		}
		send(chunkUploaded{taskID: s.taskID, index: chunk.Index})
	}
	return nil
}
