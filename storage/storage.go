// Package storage provides S3-compatible object storage for queued
// messages, stored message bodies, decoded attachments and audit copies.
//
// Keys are built by the helpers package:
//
//	queue/<queue id>               outbound message, header and body
//	messages/<user id>/<blake3>    stored message body
//	attachments/<blake3>           decoded attachment
//	audit/<audit id>/<id>          audit copy
//
// Uploads of unknown length stream through an io.Pipe into a multipart
// PutObject. Deletes are idempotent: a missing object is not an error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// NewFromConfig creates the storage client described by the [s3] section.
func NewFromConfig(cfg *config.S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3.bucket must be set")
	}
	return New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, !cfg.DisableTLS, cfg.GetDebug())
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if exists {
		return nil
	}
	if err := s.Client.MakeBucket(ctx, s.BucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.BucketName, err)
	}
	logger.Info("Storage: bucket created", "bucket", s.BucketName)
	return nil
}

func observe(operation string, start time.Time, err error) {
	if err != nil {
		metrics.StorageOperationErrors.WithLabelValues(operation, classifyS3Error(err)).Inc()
		metrics.S3OperationsTotal.WithLabelValues(operation, "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues(operation, "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == http.StatusNotFound || minioErr.Code == "NoSuchKey"
	}
	return false
}

// ObjectInfo is the stat result of an object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Stat returns object information, consts.ErrBlobNotFound when the object
// does not exist.
func (s *S3Storage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if isNotFound(err) {
		observe("STAT", start, nil)
		return nil, consts.ErrBlobNotFound
	}
	observe("STAT", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	return &ObjectInfo{Key: key, Size: info.Size, LastModified: info.LastModified, Metadata: meta}, nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, consts.ErrBlobNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put uploads an object of known size. A negative size streams the reader
// as a multipart upload.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	return s.put(ctx, key, body, size, nil)
}

func (s *S3Storage) put(ctx context.Context, key string, body io.Reader, size int64, meta map[string]string) error {
	start := time.Now()
	opts := minio.PutObjectOptions{UserMetadata: meta}
	if size >= 0 {
		opts.SendContentMd5 = true
	}
	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size, opts)
	observe("PUT", start, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}
	return nil
}

// Upload is a streaming object write started by OpenWrite. Close commits
// the object, Abort discards it.
type Upload struct {
	pw   *io.PipeWriter
	done chan error
	err  error
	open bool
}

// OpenWrite starts a streaming upload of unknown length. meta is stored as
// object user metadata.
func (s *S3Storage) OpenWrite(ctx context.Context, key string, meta map[string]string) (*Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	u := &Upload{pw: pw, done: make(chan error, 1), open: true}
	go func() {
		err := s.put(ctx, key, pr, -1, meta)
		pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

func (u *Upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Close finishes the upload and waits for the object to be committed.
func (u *Upload) Close() error {
	if !u.open {
		return u.err
	}
	u.open = false
	u.pw.Close()
	u.err = <-u.done
	return u.err
}

// Abort cancels the upload. The multipart upload is not completed, so no
// object becomes visible.
func (u *Upload) Abort(err error) {
	if !u.open {
		return
	}
	u.open = false
	if err == nil {
		err = errors.New("upload aborted")
	}
	u.pw.CloseWithError(err)
	u.err = <-u.done
}

// Get returns a reader over the whole object.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.GetRange(ctx, key, 0, 0)
}

// GetRange returns length bytes starting at offset, everything from offset
// when length is 0.
func (s *S3Storage) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	start := time.Now()

	opts := minio.GetObjectOptions{}
	if offset > 0 || length > 0 {
		end := int64(0)
		if length > 0 {
			end = offset + length - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, fmt.Errorf("invalid range %d+%d for %s: %w", offset, length, key, err)
		}
	}

	object, err := s.Client.GetObject(ctx, s.BucketName, key, opts)
	if err == nil {
		// GetObject is lazy; Stat issues the request so a missing key
		// surfaces here instead of on first Read.
		_, err = object.Stat()
		if err != nil {
			object.Close()
		}
	}
	if isNotFound(err) {
		observe("GET", start, nil)
		return nil, consts.ErrBlobNotFound
	}
	observe("GET", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return object, nil
}

// Delete removes an object. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	exists, err := s.Exists(ctx, key)
	if err != nil {
		logger.Error("Storage: error checking existence of object", "key", key, "error", err)
		observe("DELETE", start, err)
		return err
	}
	if !exists {
		logger.Debug("Storage: object does not exist, skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	observe("DELETE", start, err)
	return err
}

// classifyS3Error classifies S3 errors for metrics tracking
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
