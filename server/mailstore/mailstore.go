// Package mailstore persists delivered messages: the raw body and decoded
// attachments go to the blob store under content hashes, the index row goes
// to the database.
package mailstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/helpers"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/retry"
	"github.com/migadu/mailflow/pkg/streams"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/indexer"
	"lukechampine.com/blake3"
)

// Attachments are served in folded base64 with this line length.
const attachmentLineLength = 76

// BlobStore is the object storage used for bodies and attachments.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// GetRange reads length bytes from offset. A length of 0 reads to the
	// end of the object.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MessageRecord is the row written for a stored message.
type MessageRecord struct {
	UserID      int64
	MailboxID   int64
	Hash        string
	Size        int64
	Flags       []imap.Flag
	Subject     string
	MessageID   string
	Sender      string
	Recipient   string
	QueueID     string
	Spam        bool
	Encrypted   bool
	Attachments []*indexer.Attachment
	Filters     []server.FilterResult
	Received    time.Time
}

// MessageIndex is the database side of the store.
type MessageIndex interface {
	// InsertMessage writes rec and returns the message id and its UID in
	// the mailbox.
	InsertMessage(ctx context.Context, rec *MessageRecord) (id, uid int64, err error)
	// GetAttachment returns the attachment metadata stored for part.
	GetAttachment(ctx context.Context, userID, messageID int64, part string) (*indexer.Attachment, error)
}

// StoreRequest is everything needed to persist one message.
type StoreRequest struct {
	User      *server.User
	Mailbox   *server.Mailbox
	Flags     []imap.Flag
	Raw       []byte
	MailData  *indexer.MailData
	Filters   []server.FilterResult
	Spam      bool
	Sender    string
	Recipient string
	QueueID   string
	// Encrypted is set when Raw has already been encrypted, in which case
	// attachments are not extracted.
	Encrypted bool
}

// StoredMessage identifies a persisted message.
type StoredMessage struct {
	ID        int64
	UID       int64
	MailboxID int64
	Path      string
	Hash      string
}

type Store struct {
	blobs BlobStore
	index MessageIndex
	now   func() time.Time
}

func New(blobs BlobStore, index MessageIndex) *Store {
	return &Store{blobs: blobs, index: index, now: time.Now}
}

// ContentHash returns the hex BLAKE3 hash used to address message bodies.
func ContentHash(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// StoreMessage uploads the body and attachments and inserts the index row.
// When the insert fails the body blob is removed again; attachment blobs are
// content addressed and may be shared, so they are left in place.
func (s *Store) StoreMessage(ctx context.Context, req *StoreRequest) (*StoredMessage, error) {
	if req.User == nil || req.Mailbox == nil {
		return nil, fmt.Errorf("store message: user and mailbox are required")
	}

	hash := ContentHash(req.Raw)
	key := helpers.NewS3Key(req.User.ID, hash)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(req.Raw), int64(len(req.Raw))); err != nil {
		return nil, fmt.Errorf("failed to upload message body: %w", err)
	}

	rec := &MessageRecord{
		UserID:    req.User.ID,
		MailboxID: req.Mailbox.ID,
		Hash:      hash,
		Size:      int64(len(req.Raw)),
		Flags:     helpers.SanitizeFlags(req.Flags),
		Sender:    req.Sender,
		Recipient: req.Recipient,
		QueueID:   req.QueueID,
		Spam:      req.Spam,
		Encrypted: req.Encrypted,
		Filters:   req.Filters,
		Received:  s.now(),
	}

	if req.MailData != nil {
		rec.Subject = headerValue(req.MailData, "subject")
		rec.MessageID = headerValue(req.MailData, "message-id")
		if !req.Encrypted {
			for _, att := range req.MailData.Attachments {
				if err := s.putAttachment(ctx, att); err != nil {
					s.removeBlob(ctx, key)
					return nil, err
				}
				rec.Attachments = append(rec.Attachments, att)
			}
		}
	}

	id, uid, err := s.index.InsertMessage(ctx, rec)
	if err != nil {
		s.removeBlob(ctx, key)
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	logger.Debug("Mailstore: stored message", "user_id", req.User.ID, "mailbox", req.Mailbox.Path, "id", id, "uid", uid, "hash", hash)

	return &StoredMessage{
		ID:        id,
		UID:       uid,
		MailboxID: req.Mailbox.ID,
		Path:      req.Mailbox.Path,
		Hash:      hash,
	}, nil
}

func (s *Store) putAttachment(ctx context.Context, att *indexer.Attachment) error {
	if att.Hash == "" || att.Data == nil {
		return nil
	}
	key := helpers.NewAttachmentKey(att.Hash)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(att.Data), int64(len(att.Data))); err != nil {
		return fmt.Errorf("failed to upload attachment %s: %w", att.Part, err)
	}
	return nil
}

func (s *Store) removeBlob(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	err := retry.WithRetry(ctx, func() error {
		err := s.blobs.Delete(ctx, key)
		if errors.Is(err, consts.ErrBlobNotFound) {
			return nil
		}
		return err
	}, retry.CleanupBackoffConfig())
	if err != nil {
		logger.Warn("Mailstore: failed to remove orphaned blob", "key", key, "error", err)
	}
}

// ReadAttachment writes the folded base64 form of an attachment to w,
// starting at character offset startFrom and limited to maxLength
// characters (0 for the rest). Only the binary range needed for the slice
// is fetched from the blob store.
func (s *Store) ReadAttachment(ctx context.Context, w io.Writer, userID, messageID int64, part string, startFrom, maxLength int64) error {
	att, err := s.index.GetAttachment(ctx, userID, messageID, part)
	if err != nil {
		return err
	}

	rng := streams.PartialBase64(attachmentLineLength, startFrom, maxLength)
	if rng.Start >= att.Size && att.Size > 0 {
		return nil
	}

	r, err := s.blobs.GetRange(ctx, helpers.NewAttachmentKey(att.Hash), rng.Start, rng.Length)
	if err != nil {
		return fmt.Errorf("failed to read attachment %s: %w", part, err)
	}
	defer r.Close()

	return streams.EncodeRange(w, r, rng, attachmentLineLength, maxLength)
}

func headerValue(data *indexer.MailData, key string) string {
	for _, h := range data.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}
