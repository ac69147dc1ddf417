package settings

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when a database URL is set, a
// JSON file store when a path is set, and an in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL, path, deviceKey string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL, deviceKey)
	}
	if strings.TrimSpace(path) != "" {
		return NewFileStore(path), nil
	}
	return NewInMemoryStore(), nil
}

// StoreMode names the backend NewStore picks for the same arguments.
func StoreMode(databaseURL, path string) string {
	switch {
	case strings.TrimSpace(databaseURL) != "":
		return "postgres"
	case strings.TrimSpace(path) != "":
		return "file"
	default:
		return "in-memory"
	}
}
