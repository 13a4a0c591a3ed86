package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/server/mailstore"
	"github.com/migadu/mailflow/server/maildrop"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ mailstore.BlobStore = (*S3Storage)(nil)
	_ maildrop.BlobStore  = (*QueueStore)(nil)
	_ maildrop.BlobWriter = (*Upload)(nil)
)

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("AccessDenied: nope"), "access_denied"},
		{errors.New("NoSuchKey"), "not_found"},
		{errors.New("SlowDown please"), "throttled"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err))
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: 404}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(minio.ErrorResponse{StatusCode: 403}))
	assert.False(t, isNotFound(errors.New("other")))
}

func TestParseQueueMeta(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	info := &ObjectInfo{
		Key:          "queue/abc",
		Size:         120,
		LastModified: created.Add(time.Minute),
		Metadata:     map[string]string{"owner": "42", "created": created.Format(time.RFC3339Nano)},
	}
	meta, err := parseQueueMeta(info)
	require.NoError(t, err)
	assert.Equal(t, int64(42), meta.Owner)
	assert.Equal(t, int64(120), meta.Size)
	assert.True(t, created.Equal(meta.Created))

	meta, err = parseQueueMeta(&ObjectInfo{Key: "queue/x", LastModified: created})
	require.NoError(t, err)
	assert.Zero(t, meta.Owner)
	assert.True(t, created.Equal(meta.Created))

	_, err = parseQueueMeta(&ObjectInfo{Key: "queue/y", Metadata: map[string]string{"owner": "x"}})
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	_, err := NewFromConfig(&config.S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err, "bucket is required")

	s, err := NewFromConfig(&config.S3Config{Endpoint: "localhost:9000", Bucket: "mail", DisableTLS: true})
	require.NoError(t, err)
	assert.Equal(t, "mail", s.BucketName)
}

func TestOpenWriteCancelledContext(t *testing.T) {
	s, err := New("localhost:9000", "a", "b", "mail", false, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.OpenWrite(ctx, "queue/x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestS3Integration runs against a real S3 endpoint configured through the
// MAILFLOW_TEST_S3_* variables.
func TestS3Integration(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	key := "test/" + time.Now().Format("20060102150405.000000000")

	w, err := s.OpenWrite(ctx, key, map[string]string{"Owner": "7"})
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := s.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, "7", info.Metadata["owner"])

	r, err := s.GetRange(ctx, key, 3, 4)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	r.Close()
	assert.Equal(t, "3456", string(buf[:n]))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "second delete is a no-op")

	_, err = s.Stat(ctx, key)
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)
}

func setupTestStorage(t *testing.T) *S3Storage {
	t.Helper()
	endpoint := os.Getenv("MAILFLOW_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("MAILFLOW_TEST_S3_ENDPOINT not set, skipping S3 integration test")
	}
	s, err := New(endpoint, os.Getenv("MAILFLOW_TEST_S3_ACCESS_KEY"), os.Getenv("MAILFLOW_TEST_S3_SECRET_KEY"),
		os.Getenv("MAILFLOW_TEST_S3_BUCKET"), os.Getenv("MAILFLOW_TEST_S3_TLS") == "true", false)
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(context.Background()))
	return s
}
