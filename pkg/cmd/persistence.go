package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// NewPersistence opens the store selected by databaseURL. queryURL, when set,
// points workflow reads at a separate (replica) connection.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, queryURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "memory":
		logger.Warn("using in-memory persistence, data is lost on restart")

		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL, queryURL)
	default:
		return nil, fmt.Errorf("unsupported database url %q, expected one of %v", redact(databaseURL), supportedPersistenceProviders)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}

	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}

// redact drops everything after the scheme so credentials do not reach logs.
func redact(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "<invalid>"
	}

	return provider + "://..."
}
