package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/helpers"
	"github.com/migadu/mailflow/server/indexer"
	"github.com/migadu/mailflow/server/mailstore"
)

// InsertMessage allocates the next UID of the target mailbox and writes the
// message row together with its attachment metadata.
func (db *Database) InsertMessage(ctx context.Context, rec *mailstore.MessageRecord) (int64, int64, error) {
	var id, uid int64

	flags := make([]string, len(rec.Flags))
	for i, f := range rec.Flags {
		flags[i] = string(f)
	}

	err := db.inTx(ctx, "insert_message", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE mailboxes SET uid_next = uid_next + 1
			WHERE id = $1 AND user_id = $2
			RETURNING uid_next - 1`, rec.MailboxID, rec.UserID).Scan(&uid)
		if err != nil {
			return notFound(err, consts.ErrMailboxNotFound)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO messages (user_id, mailbox_id, uid, content_hash, size, flags, subject,
				message_id, sender, recipient, queue_id, spam, encrypted, filters, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING id`,
			rec.UserID, rec.MailboxID, uid, rec.Hash, rec.Size, flags,
			helpers.SanitizeUTF8(rec.Subject), helpers.SanitizeUTF8(rec.MessageID),
			rec.Sender, rec.Recipient, rec.QueueID, rec.Spam, rec.Encrypted, rec.Filters, rec.Received,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
		}

		if len(rec.Attachments) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, a := range rec.Attachments {
			batch.Queue(`
				INSERT INTO message_attachments (message_id, part, filename, content_type,
					disposition, content_id, encoding, size, hash)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				id, a.Part, helpers.SanitizeUTF8(a.Filename), a.ContentType,
				a.Disposition, a.ContentID, a.Encoding, a.Size, a.Hash)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return 0, 0, err
	}
	return id, uid, nil
}

// GetAttachment returns attachment metadata of a message owned by userID.
func (db *Database) GetAttachment(ctx context.Context, userID, messageID int64, part string) (*indexer.Attachment, error) {
	a := &indexer.Attachment{}
	err := db.timedQueryRow(ctx, "get_attachment",
		[]any{&a.Part, &a.Filename, &a.ContentType, &a.Disposition, &a.ContentID, &a.Encoding, &a.Size, &a.Hash},
		`SELECT ma.part, ma.filename, ma.content_type, ma.disposition, ma.content_id, ma.encoding, ma.size, ma.hash
		FROM message_attachments ma JOIN messages m ON m.id = ma.message_id
		WHERE m.user_id = $1 AND ma.message_id = $2 AND ma.part = $3`, userID, messageID, part)
	if err != nil {
		return nil, notFound(err, consts.ErrDBNotFound)
	}
	return a, nil
}
