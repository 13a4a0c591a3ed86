package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator applies the embedded schema migrations while holding an
// advisory lock, so only one process migrates at a time.
type Migrator struct {
	m       *migrate.Migrate
	sqlDB   *sql.DB
	timeout time.Duration
}

// MigrationSource returns the embedded migrations as a golang-migrate
// source.
func MigrationSource() (fs.FS, error) {
	return fs.Sub(MigrationsFS, "migrations")
}

func NewMigrator(ctx context.Context, dbConfig *config.DatabaseConfig) (*Migrator, error) {
	timeout, err := dbConfig.GetMigrationTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid migration_timeout: %w", err)
	}

	sqlDB, err := sql.Open("pgx", dbConfig.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := MigrationSource()
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{m: m, sqlDB: sqlDB, timeout: timeout}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (mg *Migrator) locked(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, mg.timeout)
	defer cancel()

	conn, err := mg.sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", consts.MigrationAdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire migration lock, another migration is running")
	}
	defer func() {
		var unlocked bool
		if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID).Scan(&unlocked); err != nil || !unlocked {
			logger.Warn("Database: failed to release migration lock", "error", err)
		}
	}()

	return fn()
}

// Up applies all pending migrations.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down reverts steps migrations, or all of them when steps is zero or
// negative.
func (mg *Migrator) Down(ctx context.Context, steps int) error {
	return mg.locked(ctx, func() error {
		var err error
		if steps <= 0 {
			err = mg.m.Down()
		} else {
			err = mg.m.Steps(-steps)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to revert migrations: %w", err)
		}
		return nil
	})
}

// Version returns the applied schema version. A database without any
// migration reports version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("Migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
