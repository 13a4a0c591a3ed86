package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/migadu/mailflow/helpers"
	"github.com/migadu/mailflow/server/maildrop"
)

const (
	metaOwner   = "owner"
	metaCreated = "created"
)

// QueueStore exposes the queue/ prefix as a maildrop.BlobStore. Owner and
// creation time travel as object metadata.
type QueueStore struct {
	s *S3Storage
}

// Queue returns the queue blob store backed by s.
func (s *S3Storage) Queue() *QueueStore {
	return &QueueStore{s: s}
}

func (q *QueueStore) OpenWrite(ctx context.Context, id string, meta maildrop.BlobMeta) (maildrop.BlobWriter, error) {
	u, err := q.s.OpenWrite(ctx, helpers.NewQueueKey(id), map[string]string{
		"Owner":   strconv.FormatInt(meta.Owner, 10),
		"Created": meta.Created.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (q *QueueStore) Delete(ctx context.Context, id string) error {
	return q.s.Delete(ctx, helpers.NewQueueKey(id))
}

// Metadata returns consts.ErrBlobNotFound for unknown ids.
func (q *QueueStore) Metadata(ctx context.Context, id string) (*maildrop.BlobMeta, error) {
	info, err := q.s.Stat(ctx, helpers.NewQueueKey(id))
	if err != nil {
		return nil, err
	}
	return parseQueueMeta(info)
}

func parseQueueMeta(info *ObjectInfo) (*maildrop.BlobMeta, error) {
	meta := &maildrop.BlobMeta{Size: info.Size, Created: info.LastModified}
	if v := info.Metadata[metaOwner]; v != "" {
		owner, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid owner metadata on %s: %w", info.Key, err)
		}
		meta.Owner = owner
	}
	if v := info.Metadata[metaCreated]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.Created = t
		}
	}
	return meta, nil
}
