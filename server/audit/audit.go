// Package audit keeps copies of messages for users under an active audit
// and exports them as mbox.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/helpers"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/retry"
	"github.com/migadu/mailflow/pkg/streams"
	"github.com/migadu/mailflow/server"
)

// BlobStore holds audit copies.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Index records audit copies.
type Index interface {
	AuditsForUser(ctx context.Context, userID int64) ([]server.Audit, error)
	InsertAuditMessage(ctx context.Context, auditID int64, blobID string, meta server.AuditMeta) (int64, error)
	ListAuditMessages(ctx context.Context, auditID int64) ([]db.AuditMessage, error)
}

// Archive writes audit copies to object storage and indexes them.
type Archive struct {
	blobs BlobStore
	index Index
}

func New(blobs BlobStore, index Index) *Archive {
	return &Archive{blobs: blobs, index: index}
}

func (a *Archive) AuditsForUser(ctx context.Context, userID int64) ([]server.Audit, error) {
	return a.index.AuditsForUser(ctx, userID)
}

// StoreAudit uploads raw under the audit and records it. The blob is
// removed again when the row cannot be written.
func (a *Archive) StoreAudit(ctx context.Context, audit server.Audit, raw []byte, meta server.AuditMeta) error {
	key := helpers.NewAuditKey(audit.ID, uuid.NewString())
	if meta.Time.IsZero() {
		meta.Time = time.Now()
	}

	if err := a.blobs.Put(ctx, key, bytes.NewReader(raw), int64(len(raw))); err != nil {
		return fmt.Errorf("upload audit copy: %w", err)
	}
	if _, err := a.index.InsertAuditMessage(ctx, audit.ID, key, meta); err != nil {
		a.removeBlob(ctx, key)
		return fmt.Errorf("record audit copy: %w", err)
	}
	return nil
}

func (a *Archive) removeBlob(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	err := retry.WithRetry(ctx, func() error {
		err := a.blobs.Delete(ctx, key)
		if errors.Is(err, consts.ErrBlobNotFound) {
			return nil
		}
		return err
	}, retry.CleanupBackoffConfig())
	if err != nil {
		logger.Warn("Audit: failed to delete blob", "key", key, "error", err)
	}
}

// Export writes every copy of an audit to w in mbox format and returns the
// number of messages written. Bodies are converted to LF line endings and
// "From " lines are escaped. A copy whose blob is gone is skipped.
func (a *Archive) Export(ctx context.Context, auditID int64, w io.Writer) (int, error) {
	msgs, err := a.index.ListAuditMessages(ctx, auditID)
	if err != nil {
		return 0, fmt.Errorf("list audit %d: %w", auditID, err)
	}

	written := 0
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		err := a.exportOne(ctx, w, m)
		if errors.Is(err, consts.ErrBlobNotFound) {
			logger.Warn("Audit: copy missing from storage", "audit", auditID, "blob", m.BlobID)
			continue
		}
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (a *Archive) exportOne(ctx context.Context, w io.Writer, m db.AuditMessage) error {
	r, err := a.blobs.Get(ctx, m.BlobID)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := io.WriteString(w, SeparatorLine(m.Sender, m.Time)); err != nil {
		return err
	}

	// Close flushes the escaper first, then the normalizer.
	escaped := streams.NewWriter(w, &streams.MboxEscaper{})
	normalized := streams.NewWriter(escaped, streams.NewlineNormalizer{})
	tail := &lastByte{w: normalized}
	if _, err := io.Copy(tail, r); err != nil {
		return fmt.Errorf("export %s: %w", m.BlobID, err)
	}
	if err := normalized.Close(); err != nil {
		return err
	}
	if err := escaped.Close(); err != nil {
		return err
	}

	end := "\n"
	if tail.b != '\n' {
		end = "\n\n"
	}
	_, err = io.WriteString(w, end)
	return err
}

// SeparatorLine returns the mbox "From " line for a copy. An empty sender
// is written as MAILER-DAEMON.
func SeparatorLine(sender string, t time.Time) string {
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	return fmt.Sprintf("From %s %s\n", sender, t.UTC().Format(time.ANSIC))
}

// lastByte remembers the last byte written through it.
type lastByte struct {
	w io.Writer
	b byte
}

func (l *lastByte) Write(p []byte) (int, error) {
	if n := len(p); n > 0 {
		l.b = p[n-1]
	}
	return l.w.Write(p)
}
