package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
)

type Database struct {
	WritePool *pgxpool.Pool // Write operations pool
	ReadPool  *pgxpool.Pool // Read operations pool

	queryTimeout time.Duration
}

// NewDatabaseFromConfig connects to PostgreSQL. The schema is not touched;
// migrations are applied with `mailflow migrate up`.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	pool, err := createPool(ctx, dbConfig)
	if err != nil {
		return nil, err
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	return &Database{
		WritePool:    pool,
		ReadPool:     pool,
		queryTimeout: queryTimeout,
	}, nil
}

func createPool(ctx context.Context, dbConfig *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dbConfig.URL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if dbConfig.Debug {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}
	if dbConfig.MaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.MinConns)
	}

	lifetime, err := dbConfig.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	poolConfig.MaxConnLifetime = lifetime

	idleTime, err := dbConfig.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	poolConfig.MaxConnIdleTime = idleTime

	logger.Info("Database: connecting", "host", dbConfig.Host, "port", dbConfig.Port, "name", dbConfig.Name, "user", dbConfig.User)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool created", "max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns)
	return pool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks that the write pool can reach the server.
func (db *Database) Ping(ctx context.Context) error {
	return db.WritePool.Ping(ctx)
}

// GetWritePool returns the connection pool for write operations
func (db *Database) GetWritePool() *pgxpool.Pool {
	return db.WritePool
}

// GetReadPool returns the connection pool for read operations
func (db *Database) GetReadPool() *pgxpool.Pool {
	return db.ReadPool
}

// withTimeout bounds a single statement by the configured query timeout.
func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func observe(operation string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

// timedQueryRow runs a single row query on the read pool and scans it into
// dest, recording metrics under operation.
func (db *Database) timedQueryRow(ctx context.Context, operation string, dest []any, sql string, args ...any) error {
	return db.queryRow(ctx, db.GetReadPool(), operation, dest, sql, args...)
}

// timedWriteRow is timedQueryRow for statements that modify data, such as
// INSERT ... RETURNING.
func (db *Database) timedWriteRow(ctx context.Context, operation string, dest []any, sql string, args ...any) error {
	return db.queryRow(ctx, db.GetWritePool(), operation, dest, sql, args...)
}

func (db *Database) queryRow(ctx context.Context, pool *pgxpool.Pool, operation string, dest []any, sql string, args ...any) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := pool.QueryRow(ctx, sql, args...).Scan(dest...)
	observe(operation, start, err)
	return err
}

// timedQuery runs a query on the read pool and hands every row to scan.
func (db *Database) timedQuery(ctx context.Context, operation string, scan func(pgx.Rows) error, sql string, args ...any) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := db.GetReadPool().Query(ctx, sql, args...)
	if err != nil {
		observe(operation, start, err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err = scan(rows); err != nil {
			break
		}
	}
	if err == nil {
		err = rows.Err()
	}
	observe(operation, start, err)
	return err
}

// timedExec runs a statement on the write pool and returns the affected
// row count.
func (db *Database) timedExec(ctx context.Context, operation string, sql string, args ...any) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	tag, err := db.GetWritePool().Exec(ctx, sql, args...)
	observe(operation, start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// inTx runs fn in a write transaction, committing when fn succeeds.
func (db *Database) inTx(ctx context.Context, operation string, fn func(pgx.Tx) error) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	tx, err := db.GetWritePool().Begin(ctx)
	if err != nil {
		observe(operation, start, err)
		return err
	}
	defer tx.Rollback(ctx)

	if err = fn(tx); err == nil {
		err = tx.Commit(ctx)
	}
	observe(operation, start, err)
	return err
}
