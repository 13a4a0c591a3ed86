package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailflow/logger"
)

type traceKey struct{}

type traceData struct {
	sql   string
	start time.Time
}

// queryTracer logs every statement with its duration when database debug
// logging is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, &traceData{sql: data.SQL, start: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	td, ok := ctx.Value(traceKey{}).(*traceData)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("Database: query failed", "sql", td.sql, "duration", time.Since(td.start), "error", data.Err)
		return
	}
	logger.Debug("Database: query", "sql", td.sql, "duration", time.Since(td.start), "tag", data.CommandTag.String())
}
