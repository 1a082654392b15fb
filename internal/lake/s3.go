// Package lake provides object-store implementations of the
// adapter.LakeAdapter contract: S3-compatible storage via minio, and a
// filesystem adapter for tests and local development.
package lake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sethvargo/go-retry"
)

// S3Config carries the connection settings for an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// s3Client is the minimal minio surface S3Adapter uses; tests substitute
// a fake.
type s3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// minioWrapper adapts *minio.Client to s3Client (GetObject returns a
// concrete type there).
type minioWrapper struct {
	client *minio.Client
}

func (w *minioWrapper) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.client.PutObject(ctx, bucket, key, reader, size, opts)
}

func (w *minioWrapper) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return w.client.GetObject(ctx, bucket, key, opts)
}

func (w *minioWrapper) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return w.client.ListObjects(ctx, bucket, opts)
}

// S3Adapter stores objects in one bucket of an S3-compatible service.
// Writes retry up to maxAttempts with exponential backoff before the
// error surfaces to the caller.
type S3Adapter struct {
	client      s3Client
	bucket      string
	maxAttempts uint64
	baseDelay   time.Duration
}

const (
	defaultPutAttempts = 3
	defaultPutBackoff  = 500 * time.Millisecond
)

// NewS3Adapter connects to the configured endpoint.
func NewS3Adapter(cfg S3Config) (*S3Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &S3Adapter{
		client:      &minioWrapper{client: client},
		bucket:      cfg.Bucket,
		maxAttempts: defaultPutAttempts,
		baseDelay:   defaultPutBackoff,
	}, nil
}

// PutObject uploads data under key, retrying transient failures.
func (a *S3Adapter) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	backoff := retry.WithMaxRetries(a.maxAttempts, retry.NewExponential(a.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, a.bucket, key,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject downloads the object at key.
func (a *S3Adapter) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// ListObjects returns keys under prefix in lexicographic order.
func (a *S3Adapter) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, info.Err)
		}
		keys = append(keys, info.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the minio client has no explicit shutdown.
func (a *S3Adapter) Close() error { return nil }
