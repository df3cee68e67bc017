// Package s3 implements a storage backend on Amazon S3 or S3-compatible
// object storage.
//
// Identifiers become object keys under an optional prefix
// ("tenants/42/" + "00/1a/ff"). The lock marker is the object
// <prefix>.lock, created with a conditional PUT (If-None-Match: *), which
// S3 evaluates atomically.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// Backend implements filestore.Backend using Amazon S3.
//
// S3 Characteristics:
//   - Strong read-after-write consistency for PUT/DELETE of single keys
//   - Conditional writes make the lock marker atomic across processes
//   - Exists/Length are HEAD requests: List on a large address space is slow
//
// Thread Safety:
// This implementation is safe for concurrent use by multiple goroutines.
type Backend struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	token     string
}

// Config contains configuration for the S3 backend.
type Config struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "shardstore/tenant-42/" results in keys like "shardstore/tenant-42/00/00/01"
	KeyPrefix string

	// SkipBucketCheck disables the HeadBucket probe in New.
	SkipBucketCheck bool
}

// New creates an S3 backend.
//
// The bucket must already exist; New verifies access to it unless
// SkipBucketCheck is set.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 configuration
//
// Returns:
//   - *Backend: Initialized backend
//   - error: Returns error if bucket access fails or context is cancelled
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: S3 client is required", filestore.ErrInvalidParameter)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket name is required", filestore.ErrInvalidParameter)
	}

	if !cfg.SkipBucketCheck {
		if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(cfg.Bucket),
		}); err != nil {
			return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Backend{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		token:     uuid.NewString(),
	}, nil
}

// Name returns "s3://<bucket>/<prefix>".
func (b *Backend) Name() string {
	return "s3://" + b.bucket + "/" + b.keyPrefix
}

// Close is a no-op: the client is owned by the caller.
func (b *Backend) Close() error { return nil }

func (b *Backend) key(id filestore.ID) string {
	return b.keyPrefix + string(id)
}

func (b *Backend) lockKey() string {
	return b.keyPrefix + filestore.LockMarker
}

// Save uploads the payload under id.
//
// Non-seekable readers are buffered in memory first: PutObject needs a
// known content length to sign the request.
func (b *Backend) Save(ctx context.Context, id filestore.ID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return filestore.IOError("read payload", id, err)
		}
		body = bytes.NewReader(data)
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(id)),
		Body:        body,
		ContentType: aws.String(filestore.MimeTypeByName(string(id))),
	})
	if err != nil {
		return filestore.IOError("put object", id, err)
	}
	return nil
}

// Load downloads the object stored under id.
func (b *Backend) Load(ctx context.Context, id filestore.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
		}
		return nil, filestore.IOError("get object", id, err)
	}
	return out.Body, nil
}

// Delete removes the object stored under id.
//
// S3 deletes are idempotent and do not report whether the key existed, so
// a HEAD request runs first.
func (b *Backend) Delete(ctx context.Context, id filestore.ID) (bool, error) {
	exists, err := b.Exists(ctx, id)
	if err != nil || !exists {
		return false, err
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	}); err != nil {
		return false, filestore.IOError("delete object", id, err)
	}
	return true, nil
}

// Exists reports whether an object is stored under id.
func (b *Backend) Exists(ctx context.Context, id filestore.ID) (bool, error) {
	_, err := b.head(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, filestore.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Length returns the size of the object stored under id.
func (b *Backend) Length(ctx context.Context, id filestore.ID) (int64, error) {
	out, err := b.head(ctx, id)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

// MimeType guesses the MIME type from the key of id.
func (b *Backend) MimeType(ctx context.Context, id filestore.ID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return filestore.MimeTypeByName(string(id)), nil
}

func (b *Backend) head(ctx context.Context, id filestore.ID) (*s3.HeadObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
		}
		return nil, filestore.IOError("head object", id, err)
	}
	return out, nil
}

// TryLock creates the marker object with If-None-Match: *.
//
// 412 Precondition Failed means another holder owns the marker. 409
// Conflict means a concurrent conditional write is in flight; both count
// as contention.
func (b *Backend) TryLock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	host, _ := os.Hostname()
	owner := fmt.Sprintf("host=%s\npid=%d\ntoken=%s\ntime=%s\n",
		host, os.Getpid(), b.token, time.Now().UTC().Format(time.RFC3339))

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.lockKey()),
		Body:        bytes.NewReader([]byte(owner)),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return true, nil
	}
	if isContention(err) {
		return false, nil
	}
	return false, filestore.IOError("put lock marker", filestore.LockMarker, err)
}

// Unlock deletes the marker object.
func (b *Backend) Unlock(ctx context.Context) error {
	// A cancelled caller context must not leave the marker behind.
	ctx = context.WithoutCancel(ctx)

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.lockKey()),
	})
	if err == nil {
		return nil
	}

	if _, headErr := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.lockKey()),
	}); headErr != nil && isNotFound(headErr) {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", filestore.ErrUnlockFailure, b.lockKey(), err)
}

// isNotFound reports whether err is an S3 "no such key" response.
// GetObject returns NoSuchKey; HeadObject has no body and returns NotFound.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	return statusCode(err) == http.StatusNotFound
}

// isContention reports whether a conditional PUT lost against an existing
// or concurrently written marker.
func isContention(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	switch statusCode(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}

func statusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
