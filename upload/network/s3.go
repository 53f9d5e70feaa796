package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numS3UploadRetries = 3
	s3RetryWait        = 5 * time.Second
	s3UploadPartMB     = 10
)

// S3TransportParams ...
type S3TransportParams struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Transport uploads directly into an S3 bucket. It has no chunk protocol of
// its own: UploadChunk reports ErrChunkTransferUnsupported, which routes
// tasks onto the whole-file path, where the SDK's upload manager handles
// multipart transfers internally.
type S3Transport struct {
	client *s3.Client
	bucket string
	logger log.Logger
}

func NewS3Transport(ctx context.Context, params S3TransportParams, logger log.Logger) (*S3Transport, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return &S3Transport{
		client: s3.NewFromConfig(*cfg),
		bucket: params.Bucket,
		logger: logger,
	}, nil
}

func (t *S3Transport) UploadFile(ctx context.Context, params FileUploadParams) error {
	if params.Open == nil {
		return fmt.Errorf("failed to upload %s: no payload source", params.FileName)
	}
	key := DestinationPath(params.DestinationPrefix, params.FileName)

	uploader := manager.NewUploader(t.client, func(u *manager.Uploader) {
		u.PartSize = s3UploadPartMB * 1024 * 1024
	})

	return retry.Times(numS3UploadRetries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			t.logger.Debugf("Retrying upload of %s (attempt %d)", params.FileName, attempt+1)
		}
		if ctx.Err() != nil {
			return ctx.Err(), true
		}

		body, err := params.Open()
		if err != nil {
			return fmt.Errorf("open payload: %w", err), true
		}
		defer func() {
			if err := body.Close(); err != nil {
				t.logger.Printf(err.Error())
			}
		}()

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          body,
			Bucket:        aws.String(t.bucket),
			Key:           aws.String(key),
			ContentLength: aws.Int64(params.SizeBytes),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("upload %s to s3: %w", params.FileName, err), false
		}
		return nil, true
	})
}

// UploadChunk always reports the fallback signal: the pipeline's chunk
// protocol is an upload-service feature, and S3 is not that service.
func (t *S3Transport) UploadChunk(_ context.Context, params ChunkUploadParams) error {
	return fmt.Errorf("chunked transfer of %s to s3 bucket %s: %w", params.FileName, t.bucket, ErrChunkTransferUnsupported)
}

func (t *S3Transport) Stat(ctx context.Context, remotePath string) (*RemoteFileInfo, error) {
	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NotFound:
				return nil, ErrFileNotFound
			}
		}
		return nil, fmt.Errorf("failed to stat s3 object %s: %w", remotePath, err)
	}

	info := &RemoteFileInfo{Path: remotePath, Name: baseName(remotePath)}
	if head.ContentLength != nil {
		info.SizeBytes = *head.ContentLength
	}
	if head.ETag != nil {
		info.ETag = strings.Trim(*head.ETag, `"`)
	}
	if head.LastModified != nil {
		info.ModifiedAt = *head.LastModified
	}
	return info, nil
}

func loadAWSConfig(ctx context.Context, params S3TransportParams, logger log.Logger) (*aws.Config, error) {
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}

	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

func baseName(remotePath string) string {
	if idx := strings.LastIndex(remotePath, "/"); idx >= 0 {
		return remotePath[idx+1:]
	}
	return remotePath
}

var _ Transport = (*S3Transport)(nil)
var _ Transport = (*Client)(nil)
