package maildrop

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/server"
)

type memBlob struct {
	meta BlobMeta
	data []byte
}

type memBlobs struct {
	mu        sync.Mutex
	blobs     map[string]*memBlob
	aborted   []string
	deletes   int
	failWrite error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string]*memBlob)}
}

type memWriter struct {
	store *memBlobs
	id    string
	meta  BlobMeta
	buf   bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.store.failWrite != nil && w.buf.Len()+len(p) > 16 {
		return 0, w.store.failWrite
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.meta.Size = int64(w.buf.Len())
	w.store.blobs[w.id] = &memBlob{meta: w.meta, data: w.buf.Bytes()}
	return nil
}

func (w *memWriter) Abort(err error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.aborted = append(w.store.aborted, w.id)
}

func (s *memBlobs) OpenWrite(ctx context.Context, id string, meta BlobMeta) (BlobWriter, error) {
	return &memWriter{store: s, id: id, meta: meta}, nil
}

func (s *memBlobs) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if _, ok := s.blobs[id]; !ok {
		return consts.ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

func (s *memBlobs) Metadata(ctx context.Context, id string) (*BlobMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, consts.ErrBlobNotFound
	}
	meta := b.meta
	return &meta, nil
}

func (s *memBlobs) get(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blobs[id]; ok {
		return b.data
	}
	return nil
}

func (s *memBlobs) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

type memDeliveries struct {
	mu        sync.Mutex
	rows      []*server.Delivery
	envelopes map[string]*server.Envelope
	failWith  error
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{envelopes: make(map[string]*server.Envelope)}
}

func (s *memDeliveries) InsertDeliveries(ctx context.Context, env *server.Envelope, deliveries []*server.Delivery) (int, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, deliveries...)
	s.envelopes[env.ID] = env
	return len(deliveries), nil
}

func (s *memDeliveries) DeleteUnlocked(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*server.Delivery
	var deleted int64
	for _, d := range s.rows {
		if d.ID == id && !d.Locked {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	s.rows = kept
	return deleted, nil
}

func (s *memDeliveries) CountDeliveries(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.rows {
		if d.ID == id {
			n++
		}
	}
	return n, nil
}

var errInsert = errors.New("connection reset")
