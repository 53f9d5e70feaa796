package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultMaxRetries is how many times a failed attempt is retried before
	// the unit of work is declared failed.
	DefaultMaxRetries = 3
	// DefaultRetryWaitMin is the backoff before the first retry; subsequent
	// retries double it (1s, 2s, 4s with the defaults).
	DefaultRetryWaitMin = 1 * time.Second
	// DefaultRetryWaitMax caps the backoff growth.
	DefaultRetryWaitMax = 30 * time.Second
)

// ClientConfig ...
type ClientConfig struct {
	BaseURL      string
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client is the Transport implementation backed by the upload service's HTTP
// API. Retries with exponential backoff happen inside every call; the
// sentinels ErrChunkTransferUnsupported, ErrDestinationOccupied and
// ErrFileNotFound classify the non-retryable outcomes.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	tokens     TokenSource
	logger     log.Logger
}

// NewClient configures the retrying HTTP client. Transient failures (network
// errors, timeouts, 408/429, 5xx) are retried; 404/501 on the chunk endpoint,
// 409 and other 4xx responses are returned to the caller for classification.
func NewClient(cfg ClientConfig, tokens TokenSource, logger log.Logger) *Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = DefaultMaxRetries
	if cfg.MaxRetries > 0 {
		client.RetryMax = cfg.MaxRetries
	}
	client.RetryWaitMin = DefaultRetryWaitMin
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	client.RetryWaitMax = DefaultRetryWaitMax
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.CheckRetry = transferRetryPolicy
	// Doubling schedule: RetryWaitMin, then 2x, then 4x, capped at RetryWaitMax.
	client.Backoff = retryablehttp.DefaultBackoff
	// The token may rotate between attempts, so the Authorization header is
	// stamped per attempt instead of per request.
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		if tokens != nil {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", tokens.Token()))
		}
	}

	return &Client{
		httpClient: client,
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		logger:     logger,
	}
}

// transferRetryPolicy decides whether an attempt is worth repeating.
// Cancellation always wins; fallback (404/501) and conflict (409) responses
// are final answers, not transient conditions.
func transferRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusNotImplemented,
		resp.StatusCode == http.StatusConflict:
		return false, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return true, nil
	default:
		return false, nil
	}
}

// UploadFile posts the whole payload as one multipart request. The body is
// rebuilt per attempt from params.Open, so large files are streamed instead
// of buffered.
func (c *Client) UploadFile(ctx context.Context, params FileUploadParams) error {
	if params.Open == nil {
		return fmt.Errorf("failed to upload %s: no payload source", params.FileName)
	}

	boundary, err := multipartBoundary()
	if err != nil {
		return err
	}
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return c.multipartBody(boundary, params), nil
	})

	req, err := retryablehttp.NewRequest(http.MethodPost, fmt.Sprintf("%s/uploads/files", c.baseURL), body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", fmt.Sprintf("multipart/form-data; boundary=%s", boundary))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", params.FileName, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("failed to upload %s: %w", params.FileName, ErrDestinationOccupied)
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	default:
		return unwrapError(resp)
	}
}

// UploadChunk posts one chunk's bytes; the chunk coordinates travel as query
// parameters. A 404 or 501 from this endpoint means the backend has no chunk
// protocol at all and maps to ErrChunkTransferUnsupported.
func (c *Client) UploadChunk(ctx context.Context, params ChunkUploadParams) error {
	query := url.Values{}
	query.Set("file_id", params.TaskID)
	query.Set("file_name", params.FileName)
	query.Set("chunk_index", strconv.Itoa(params.Index))
	query.Set("total_chunks", strconv.Itoa(params.TotalChunks))
	if params.DestinationPrefix != "" {
		query.Set("folder_prefix", params.DestinationPrefix)
	}
	chunkURL := fmt.Sprintf("%s/uploads/chunks?%s", c.baseURL, query.Encode())

	req, err := retryablehttp.NewRequest(http.MethodPost, chunkURL, params.Body)
	if err != nil {
		return fmt.Errorf("failed to create chunk request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/octet-stream")
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", params.SizeBytes))
	req.ContentLength = params.SizeBytes

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload chunk %d of %s: %w", params.Index, params.FileName, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNotImplemented:
		return fmt.Errorf("chunk endpoint responded %d: %w", resp.StatusCode, ErrChunkTransferUnsupported)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("failed to upload chunk %d of %s: %w", params.Index, params.FileName, ErrDestinationOccupied)
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	default:
		return fmt.Errorf("failed to upload chunk %d of %s: %w", params.Index, params.FileName, unwrapError(resp))
	}
}

// Stat probes a destination path before upload so that name collisions are
// caught while the task is still cheap to redirect.
func (c *Client) Stat(ctx context.Context, remotePath string) (*RemoteFileInfo, error) {
	query := url.Values{}
	query.Set("path", remotePath)

	req, err := retryablehttp.NewRequest(http.MethodGet, fmt.Sprintf("%s/files/stat?%s", c.baseURL, query.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stat request: %w", err)
	}
	req = req.WithContext(ctx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", remotePath, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to stat %s: %w", remotePath, unwrapError(resp))
	}

	var info RemoteFileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode stat response: %w", err)
	}
	if info.Path == "" {
		info.Path = remotePath
	}
	return &info, nil
}

// multipartBody streams the form through a pipe so the payload is never held
// in memory as a whole. The boundary is fixed up front because the
// Content-Type header has to outlive the per-attempt writers.
func (c *Client) multipartBody(boundary string, params FileUploadParams) io.Reader {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	if err := writer.SetBoundary(boundary); err != nil {
		_ = pw.CloseWithError(err)
		return pr
	}

	go func() {
		err := func() error {
			if params.DestinationPrefix != "" {
				if err := writer.WriteField("folder_prefix", params.DestinationPrefix); err != nil {
					return err
				}
			}
			part, err := writer.CreateFormFile("files", params.FileName)
			if err != nil {
				return err
			}
			src, err := params.Open()
			if err != nil {
				return err
			}
			defer func() {
				if err := src.Close(); err != nil {
					c.logger.Printf(err.Error())
				}
			}()
			if _, err := io.Copy(part, src); err != nil {
				return err
			}
			return writer.Close()
		}()
		_ = pw.CloseWithError(err)
	}()
	return pr
}

func multipartBoundary() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("failed to generate multipart boundary: %w", err)
	}
	return fmt.Sprintf("uploadkit-%s", id), nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
