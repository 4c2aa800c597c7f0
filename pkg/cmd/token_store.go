package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/agentrun/pkg/stream"
)

// tokenSweepSchedule evicts used and expired in-memory tokens.
const tokenSweepSchedule = "@every 1m"

// NewTokenStore returns a Redis-backed stream token store when redisURL is
// set, so tokens work across API instances, and an in-memory one otherwise.
// The returned func releases the store.
func NewTokenStore(redisURL string, logger *slog.Logger) (stream.TokenStore, func()) {
	if redisURL != "" {
		store, err := stream.NewRedisTokenStoreFromURL(redisURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to Redis: %w", err))
		}

		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close Redis token store", "error", err)
			}
		}
	}

	store := stream.NewMemoryTokenStore(logger)
	if err := store.Start(tokenSweepSchedule); err != nil {
		panic(fmt.Errorf("failed to schedule token sweep: %w", err))
	}

	return store, store.Close
}
