package main

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/ttlstore"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/audit"
	"github.com/migadu/mailflow/server/autoreply"
	"github.com/migadu/mailflow/server/filter"
	"github.com/migadu/mailflow/server/hooks"
	"github.com/migadu/mailflow/server/indexer"
	"github.com/migadu/mailflow/server/maildrop"
	"github.com/migadu/mailflow/server/mailstore"
	"github.com/migadu/mailflow/storage"
)

// initLogging configures the global logger and returns a function that
// releases the log file, if any.
func initLogging(cfg *config.Config) (func(), error) {
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return func() {
		if logFile != nil {
			logFile.Close()
		}
	}, nil
}

// ttlBackend is the rate counter and keyed set selected by [ttl_store].
type ttlBackend interface {
	server.RateCounter
	server.KeyedSet
	ttlstore.Cleaner
}

// app holds every long lived component of a running mailflow process.
type app struct {
	cfg       *config.Config
	db        *db.Database
	storage   *storage.S3Storage
	sqlite    *ttlstore.Store
	ttl       ttlBackend
	hooks     *hooks.Registry
	maildrop  *maildrop.Maildropper
	autoreply *autoreply.Engine
	archive   *audit.Archive
	messages  *mailstore.Store
	handler   *filter.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.db, err = db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	a.storage, err = storage.NewFromConfig(&cfg.S3)
	if err != nil {
		return nil, err
	}

	a.ttl = a.db
	if cfg.TTLStore.IsSQLite() {
		a.sqlite, err = ttlstore.Open(cfg.TTLStore.Path)
		if err != nil {
			return nil, err
		}
		a.ttl = a.sqlite
	}
	logger.Info("Mailflow: ttl store ready", "backend", cfg.TTLStore.Backend)

	a.hooks = hooks.NewRegistry()
	if err := registerHooks(a.hooks, cfg); err != nil {
		return nil, err
	}
	a.hooks.Freeze()
	logger.Info("Mailflow: hooks registered", "queue", a.hooks.Len(hooks.PhaseQueue), "store", a.hooks.Len(hooks.PhaseStore))

	a.maildrop, err = maildrop.New(cfg.Maildrop, a.storage.Queue(), a.db, a.hooks)
	if err != nil {
		return nil, err
	}
	a.autoreply, err = autoreply.New(a.maildrop, a.ttl, a.ttl, cfg.Limits)
	if err != nil {
		return nil, err
	}

	a.archive = audit.New(a.storage, a.db)
	a.messages = mailstore.New(a.storage, a.db)
	a.handler = &filter.Handler{
		Users:     a.db,
		Rules:     a.db,
		Domains:   a.db,
		Mailboxes: a.db,
		Messages:  a.messages,
		Audits:    a.archive,
		Maildrop:  a.maildrop,
		Autoreply: a.autoreply,
		Indexer:   indexer.New(),
		Counter:   a.ttl,
		Limits:    cfg.Limits,
	}

	ok = true
	return a, nil
}

func (a *app) Close() {
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to close ttl store: %v\n", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
