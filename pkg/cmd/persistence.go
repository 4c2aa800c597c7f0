package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/agentrun/pkg/persistence"
	"github.com/dukex/agentrun/pkg/persistence/file"
	"github.com/dukex/agentrun/pkg/persistence/postgresql"
)

// NewPersistence returns the durable store for databaseURL, or nil when the
// URL is empty and runs live in memory only.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	if databaseURL == "" {
		return nil, nil
	}

	provider, location := parsePersistenceURL(databaseURL)

	switch provider {
	case "file":
		return file.NewPersistence(location), nil
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider: %s", provider)
	}
}

// parsePersistenceURL splits "provider://location". A bare path is a file store.
func parsePersistenceURL(databaseURL string) (string, string) {
	provider, location, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	return provider, location
}
