package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/server"
)

// InsertDeliveries writes the queued envelope and one row per delivery.
// Rows are inserted independently: a failing row is logged and skipped. An
// error is only returned when the envelope or every delivery could not be
// written.
func (db *Database) InsertDeliveries(ctx context.Context, env *server.Envelope, deliveries []*server.Delivery) (int, error) {
	var userID *int64
	if env.UserID > 0 {
		userID = &env.UserID
	}

	inserted := 0
	err := db.inTx(ctx, "insert_deliveries", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO queue_messages (id, user_id, envelope, created_at) VALUES ($1, $2, $3, $4)`,
			env.ID, userID, env, env.Time); err != nil {
			return fmt.Errorf("failed to insert queue message: %w", err)
		}

		var firstErr error
		for _, d := range deliveries {
			n, err := insertDelivery(ctx, tx, d)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				logger.Warn("Database: failed to insert delivery", "id", d.ID, "seq", d.Seq, "recipient", d.Recipient, "error", err)
				continue
			}
			inserted += int(n)
		}
		if inserted == 0 && firstErr != nil {
			return firstErr
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertDelivery writes one row inside a savepoint so a failing row does
// not abort the surrounding transaction.
func insertDelivery(ctx context.Context, tx pgx.Tx, d *server.Delivery) (int64, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer sp.Rollback(ctx)

	tag, err := sp.Exec(ctx, `
		INSERT INTO deliveries (id, seq, domain, sending_zone, recipient, queued, created,
			locked, assigned, mx, target_url, http, skip_srs, skip_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, '', $8, $9, $10, $11, $12)
		ON CONFLICT (id, seq) DO NOTHING`,
		d.ID, d.Seq, d.Domain, d.SendingZone, d.Recipient, d.Queued, d.Created,
		d.MX, d.TargetURL, d.HTTP, d.SkipSRS, d.SkipPolicy)
	if err != nil {
		return 0, err
	}
	if err := sp.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteUnlocked removes the deliveries of a queued message that are not
// currently locked by a sender and returns how many were removed. The
// queue row goes away with the last delivery.
func (db *Database) DeleteUnlocked(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := db.inTx(ctx, "delete_unlocked_deliveries", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM deliveries WHERE id = $1 AND NOT locked`, id)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		_, err = tx.Exec(ctx, `
			DELETE FROM queue_messages q WHERE q.id = $1
			AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.id = q.id)`, id)
		return err
	})
	return removed, err
}

// CountDeliveries returns how many deliveries of a queued message remain.
func (db *Database) CountDeliveries(ctx context.Context, id string) (int64, error) {
	var n int64
	err := db.timedQueryRow(ctx, "count_deliveries", []any{&n},
		`SELECT count(*) FROM deliveries WHERE id = $1`, id)
	return n, err
}

// QueuedForUser lists the ids of queued messages submitted by a user that
// still have deliveries.
func (db *Database) QueuedForUser(ctx context.Context, userID int64) ([]string, error) {
	var ids []string
	err := db.timedQuery(ctx, "queued_for_user", func(rows pgx.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}, `SELECT q.id FROM queue_messages q
		WHERE q.user_id = $1 AND EXISTS (SELECT 1 FROM deliveries d WHERE d.id = q.id)
		ORDER BY q.created_at`, userID)
	return ids, err
}
