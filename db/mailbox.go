package db

import (
	"context"

	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/server"
)

func (db *Database) mailbox(ctx context.Context, operation, where string, args ...any) (*server.Mailbox, error) {
	m := &server.Mailbox{}
	var specialUse *string
	err := db.timedQueryRow(ctx, operation, []any{&m.ID, &m.UserID, &m.Path, &specialUse},
		`SELECT id, user_id, path, special_use FROM mailboxes WHERE `+where+` LIMIT 1`, args...)
	if err != nil {
		return nil, notFound(err, consts.ErrMailboxNotFound)
	}
	if specialUse != nil {
		m.SpecialUse = *specialUse
	}
	return m, nil
}

func (db *Database) MailboxByID(ctx context.Context, userID, id int64) (*server.Mailbox, error) {
	return db.mailbox(ctx, "mailbox_by_id", "user_id = $1 AND id = $2", userID, id)
}

func (db *Database) MailboxBySpecialUse(ctx context.Context, userID int64, specialUse string) (*server.Mailbox, error) {
	return db.mailbox(ctx, "mailbox_by_special_use", "user_id = $1 AND special_use = $2", userID, specialUse)
}

// MailboxByPath matches INBOX case-insensitively and every other path
// exactly.
func (db *Database) MailboxByPath(ctx context.Context, userID int64, path string) (*server.Mailbox, error) {
	if (&server.Mailbox{Path: path}).IsInbox() {
		return db.mailbox(ctx, "mailbox_by_path", "user_id = $1 AND upper(path) = 'INBOX'", userID)
	}
	return db.mailbox(ctx, "mailbox_by_path", "user_id = $1 AND path = $2", userID, path)
}
