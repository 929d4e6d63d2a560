package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// ErrPathRequired is returned when the backing store location is missing.
var ErrPathRequired = errors.New("storage: database location must be configured")

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Path strings that already look like DSNs pass through untouched.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	if strings.HasPrefix(trimmed, "file:") || strings.HasPrefix(trimmed, ":memory:") {
		return trimmed, nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// IsPostgresDSN reports whether the DSN targets a PostgreSQL server rather
// than an embedded SQLite file.
func IsPostgresDSN(dsn string) bool {
	trimmed := strings.TrimSpace(dsn)
	return strings.HasPrefix(trimmed, "postgres://") ||
		strings.HasPrefix(trimmed, "postgresql://") ||
		strings.Contains(trimmed, "host=")
}
