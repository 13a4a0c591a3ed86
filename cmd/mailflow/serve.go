package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/ttlstore"
	"github.com/migadu/mailflow/server/httpapi"
	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the TTL cleanup loop and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			closeLog, err := initLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.storage.EnsureBucket(ctx); err != nil {
				return err
			}

			interval, err := cfg.TTLStore.GetCleanupInterval()
			if err != nil {
				return err
			}
			ttlstore.StartCleanupLoop(ctx, a.ttl, interval)
			logger.Info("Mailflow: started", "version", version, "ttl_backend", cfg.TTLStore.Backend, "cleanup_interval", interval)

			if !cfg.Metrics.Enabled {
				<-ctx.Done()
				logger.Info("Mailflow: shutting down")
				return nil
			}

			srv, err := httpapi.New(httpapi.ServerOptions{
				Addr:         cfg.Metrics.Addr,
				MetricsPath:  cfg.Metrics.Path,
				AllowedHosts: cfg.Metrics.AllowedHosts,
				Checks: map[string]httpapi.HealthCheck{
					"database": a.db.Ping,
					"storage": func(ctx context.Context) error {
						_, err := a.storage.Client.BucketExists(ctx, a.storage.BucketName)
						return err
					},
				},
			})
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}
}
