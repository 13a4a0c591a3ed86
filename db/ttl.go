package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailflow/pkg/metrics"
)

const ttlBackend = "postgres"

// CheckAndIncrement implements server.RateCounter. The window is fixed and
// starts with the first increment of a key; an expired key starts over.
func (db *Database) CheckAndIncrement(ctx context.Context, key string, amount, limit int64, window time.Duration) (bool, error) {
	if amount > limit {
		metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "counter", "refused").Inc()
		return false, nil
	}

	var count int64
	err := db.timedWriteRow(ctx, "rate_counter", []any{&count}, `
		INSERT INTO rate_counters (key, count, expires_at)
		VALUES ($1, $2, now() + $4 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN rate_counters.expires_at <= now()
				THEN EXCLUDED.count ELSE rate_counters.count + EXCLUDED.count END,
			expires_at = CASE WHEN rate_counters.expires_at <= now()
				THEN EXCLUDED.expires_at ELSE rate_counters.expires_at END
		WHERE rate_counters.expires_at <= now() OR rate_counters.count + EXCLUDED.count <= $3
		RETURNING count`, key, amount, limit, window.Milliseconds())
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "counter", "refused").Inc()
		return false, nil
	case err != nil:
		metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "counter", "error").Inc()
		return false, err
	}
	metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "counter", "allowed").Inc()
	return true, nil
}

// InsertIfAbsent implements server.KeyedSet. An expired member is replaced
// as if it were absent.
func (db *Database) InsertIfAbsent(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	var inserted bool
	err := db.timedWriteRow(ctx, "keyed_set", []any{&inserted}, `
		INSERT INTO ttl_members (key, member, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key, member) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE ttl_members.expires_at <= now()
		RETURNING true`, key, member, ttl.Milliseconds())
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "set", "exists").Inc()
		return false, nil
	case err != nil:
		metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "set", "error").Inc()
		return false, err
	}
	metrics.TTLStoreOperations.WithLabelValues(ttlBackend, "set", "inserted").Inc()
	return true, nil
}

// CleanupExpired removes expired counters and set members and returns how
// many rows were deleted.
func (db *Database) CleanupExpired(ctx context.Context) (int64, error) {
	counters, err := db.timedExec(ctx, "cleanup_rate_counters", `DELETE FROM rate_counters WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	members, err := db.timedExec(ctx, "cleanup_ttl_members", `DELETE FROM ttl_members WHERE expires_at <= now()`)
	if err != nil {
		return counters, err
	}
	return counters + members, nil
}
