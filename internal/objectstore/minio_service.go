package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/logging"
)

// getRetries bounds how often a transient fetch failure is retried before
// the owning stage fails.
const getRetries = 3

// MinioStorage implements Storage against a MinIO (or S3-compatible) bucket.
type MinioStorage struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

// MinioOptions carries the connection settings for NewMinioStorage.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStorage connects to MinIO and ensures the bucket exists.
func NewMinioStorage(ctx context.Context, opts MinioOptions) (*MinioStorage, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint, access key, secret key and bucket must all be set")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket '%s' exists: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket '%s': %w", opts.Bucket, err)
		}
	}

	return &MinioStorage{
		client: client,
		bucket: opts.Bucket,
		log:    logging.New("objectstore"),
	}, nil
}

// Get retrieves an object, retrying transient failures a bounded number of
// times before giving up.
func (s *MinioStorage) Get(ctx context.Context, reference string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= getRetries; attempt++ {
		data, err := s.getOnce(ctx, reference)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn().Str("object", reference).Int("attempt", attempt).Err(err).
			Msg("object fetch failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("failed to get object '%s' after %d attempts: %w", reference, getRetries, lastErr)
}

func (s *MinioStorage) getOnce(ctx context.Context, reference string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, reference, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", reference, s.bucket, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object '%s' data: %w", reference, err)
	}
	return data, nil
}

// Put uploads data under a unique object name that preserves the original
// file extension, and returns that name.
func (s *MinioStorage) Put(ctx context.Context, originalFilename string, data []byte, contentType string) (string, error) {
	objectName := uuid.New().String() + filepath.Ext(originalFilename)

	info, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object '%s' to bucket '%s': %w", objectName, s.bucket, err)
	}

	s.log.Debug().Str("object", objectName).Int64("size", info.Size).Msg("object uploaded")
	return objectName, nil
}

// Delete removes an object from the bucket.
func (s *MinioStorage) Delete(ctx context.Context, reference string) error {
	err := s.client.RemoveObject(ctx, s.bucket, reference, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", reference, s.bucket, err)
	}
	return nil
}
