// Package ttlstore keeps rate counters and expiring key/member sets in a
// local SQLite file. It serves single node deployments that do not want
// to share this state through PostgreSQL.
package ttlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
	_ "modernc.org/sqlite"
)

const backend = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS rate_counters (
	key TEXT PRIMARY KEY,
	count INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ttl_members (
	key TEXT NOT NULL,
	member TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE INDEX IF NOT EXISTS idx_rate_counters_expires ON rate_counters(expires_at);
CREATE INDEX IF NOT EXISTS idx_ttl_members_expires ON ttl_members(expires_at);
`

// Store implements server.RateCounter and server.KeyedSet. Expiry times
// are unix milliseconds.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ttl store directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ttl store: %w", err)
	}
	// A single connection serializes every read-modify-write.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("TTLStore: failed to enable WAL", "path", path, "error", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ttl store schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ttl store ping failed: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CheckAndIncrement adds amount to key unless the counter would exceed
// limit. The window starts with the first increment of a key.
func (s *Store) CheckAndIncrement(ctx context.Context, key string, amount, limit int64, window time.Duration) (bool, error) {
	if amount > limit {
		metrics.TTLStoreOperations.WithLabelValues(backend, "counter", "refused").Inc()
		return false, nil
	}

	allowed, err := s.inTx(ctx, func(tx *sql.Tx, now int64) (bool, error) {
		var count, expires int64
		err := tx.QueryRowContext(ctx, `SELECT count, expires_at FROM rate_counters WHERE key = ?`, key).Scan(&count, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows) || (err == nil && expires <= now):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO rate_counters (key, count, expires_at) VALUES (?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET count = excluded.count, expires_at = excluded.expires_at`,
				key, amount, now+window.Milliseconds())
			return err == nil, err
		case err != nil:
			return false, err
		case count+amount > limit:
			return false, nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE rate_counters SET count = count + ? WHERE key = ?`, amount, key)
		return err == nil, err
	})
	record("counter", allowed, "allowed", "refused", err)
	return allowed, err
}

// InsertIfAbsent adds member under key unless a live entry exists.
func (s *Store) InsertIfAbsent(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	inserted, err := s.inTx(ctx, func(tx *sql.Tx, now int64) (bool, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO ttl_members (key, member, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (key, member) DO UPDATE SET expires_at = excluded.expires_at
			WHERE ttl_members.expires_at <= ?`,
			key, member, now+ttl.Milliseconds(), now)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err
	})
	record("set", inserted, "inserted", "exists", err)
	return inserted, err
}

// CleanupExpired deletes expired counters and members.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	var removed int64
	_, err := s.inTx(ctx, func(tx *sql.Tx, now int64) (bool, error) {
		for _, table := range []string{"rate_counters", "ttl_members"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
			if err != nil {
				return false, fmt.Errorf("failed to clean %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return true, nil
	})
	return removed, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx, now int64) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := fn(tx, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return ok, nil
}

func record(operation string, ok bool, yes, no string, err error) {
	result := no
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = yes
	}
	metrics.TTLStoreOperations.WithLabelValues(backend, operation, result).Inc()
}
