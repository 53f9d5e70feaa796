// Package network performs the actual transfers of the upload pipeline. It
// exposes a Transport interface with two implementations: the chunk-capable
// HTTP API client and an S3 transport that only supports whole-file uploads.
package network

import (
	"context"
	"errors"
	"io"
	"path"
	"time"
)

// ErrChunkTransferUnsupported signals that the destination backend has no
// chunk endpoint. It is a routing signal, not a failure: the caller is
// expected to fall back to a whole-file transfer.
var ErrChunkTransferUnsupported = errors.New("chunked transfer is not supported by the destination")

// ErrDestinationOccupied signals that the destination path is already taken
// and the upload needs an external replace/keep/cancel decision.
var ErrDestinationOccupied = errors.New("destination path is already occupied")

// ErrFileNotFound ...
var ErrFileNotFound = errors.New("no file exists at the destination path")

// RemoteFileInfo describes a file already present at a destination path.
type RemoteFileInfo struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ETag       string    `json:"etag"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileUploadParams ...
type FileUploadParams struct {
	TaskID            string
	FileName          string
	DestinationPrefix string
	SizeBytes         int64
	// Open returns a fresh reader over the payload. It is called once per
	// attempt so that retries re-read the file from the start.
	Open func() (io.ReadCloser, error)
}

// ChunkUploadParams ...
type ChunkUploadParams struct {
	TaskID            string
	FileName          string
	DestinationPrefix string
	Index             int
	TotalChunks       int
	SizeBytes         int64
	// Body is the chunk payload. Seeking back to the start is how retries
	// re-send the same bytes.
	Body io.ReadSeeker
}

// Transport performs one transfer attempt per call, including its internal
// retries, and classifies the outcome through the package's sentinel errors.
type Transport interface {
	// UploadFile transfers a whole file in a single shot.
	UploadFile(ctx context.Context, params FileUploadParams) error
	// UploadChunk transfers one chunk of a file. Backends without a chunk
	// protocol return ErrChunkTransferUnsupported.
	UploadChunk(ctx context.Context, params ChunkUploadParams) error
	// Stat probes a destination path, returning ErrFileNotFound when it is free.
	Stat(ctx context.Context, remotePath string) (*RemoteFileInfo, error)
}

// DestinationPath joins a folder prefix and a file name into the remote path
// used for existence probes and conflict records.
func DestinationPath(prefix, fileName string) string {
	if prefix == "" {
		return fileName
	}
	return path.Join(prefix, fileName)
}
