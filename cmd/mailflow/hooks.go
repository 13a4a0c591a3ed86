package main

import (
	"context"
	"fmt"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/hooks"
)

// registerHooks installs the built-in hooks enabled in the config. It runs
// before the registry is frozen.
func registerHooks(reg *hooks.Registry, cfg *config.Config) error {
	if limit := cfg.Maildrop.MaxMessageSize; limit > 0 {
		if err := reg.Register(hooks.PhaseQueue, "max-message-size", maxMessageSize(limit)); err != nil {
			return fmt.Errorf("register max-message-size hook: %w", err)
		}
	}
	return nil
}

func maxMessageSize(limit int64) hooks.Handler {
	return func(ctx context.Context, envelope *server.Envelope, payload *hooks.Payload) error {
		if payload.Size > limit {
			return fmt.Errorf("message size %d exceeds limit of %d bytes", payload.Size, limit)
		}
		return nil
	}
}
