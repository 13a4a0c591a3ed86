package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailflow/server"
)

// AuditMessage is one archived copy listed for export.
type AuditMessage struct {
	ID     int64
	BlobID string
	server.AuditMeta
}

// AuditsForUser returns every audit of a user, active or not.
func (db *Database) AuditsForUser(ctx context.Context, userID int64) ([]server.Audit, error) {
	var audits []server.Audit
	err := db.timedQuery(ctx, "audits_for_user", func(rows pgx.Rows) error {
		var a server.Audit
		if err := rows.Scan(&a.ID, &a.UserID, &a.Start, &a.End); err != nil {
			return err
		}
		audits = append(audits, a)
		return nil
	}, `SELECT id, user_id, start_time, end_time FROM audits WHERE user_id = $1 ORDER BY id`, userID)
	return audits, err
}

// InsertAuditMessage records an archived copy whose body is stored under
// blobID.
func (db *Database) InsertAuditMessage(ctx context.Context, auditID int64, blobID string, meta server.AuditMeta) (int64, error) {
	var id int64
	created := meta.Time
	if created.IsZero() {
		created = time.Now()
	}
	err := db.timedWriteRow(ctx, "insert_audit_message", []any{&id}, `
		INSERT INTO audit_messages (audit_id, blob_id, user_id, queue_id, sender, recipient, stored, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		auditID, blobID, meta.UserID, meta.QueueID, meta.Sender, meta.Recipient, meta.Stored, created)
	return id, err
}

// ListAuditMessages returns the copies of an audit in archive order.
func (db *Database) ListAuditMessages(ctx context.Context, auditID int64) ([]AuditMessage, error) {
	var out []AuditMessage
	err := db.timedQuery(ctx, "list_audit_messages", func(rows pgx.Rows) error {
		var m AuditMessage
		if err := rows.Scan(&m.ID, &m.BlobID, &m.UserID, &m.QueueID, &m.Sender, &m.Recipient, &m.Stored, &m.Time); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	}, `SELECT id, blob_id, user_id, queue_id, sender, recipient, stored, created_at
		FROM audit_messages WHERE audit_id = $1 ORDER BY created_at, id`, auditID)
	return out, err
}
