// Package sqlstore persists session records in a SQLite or libsql database.
//
// Pure-Go builds use modernc.org/sqlite; cgo builds use go-libsql, which also
// accepts remote libsql:// URLs.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config locates the session database. URL takes precedence over Path.
type Config struct {
	// Path is a local database file, a file: DSN, or ":memory:".
	Path string

	// URL is a remote libsql database, e.g. libsql://sessions.example.io.
	URL string

	// AuthToken authenticates URL connections unless the URL carries one.
	AuthToken string
}

// ErrNoLocation is returned when neither Path nor URL is set.
var ErrNoLocation = errors.New("session database path or url is required")

func sessionDSN(cfg Config) (string, error) {
	if remote := strings.TrimSpace(cfg.URL); remote != "" {
		return withAuthToken(remote, strings.TrimSpace(cfg.AuthToken))
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", ErrNoLocation
	case path == ":memory:", strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		file, err := sessionFile(path)
		if err != nil {
			return "", err
		}
		if err := ensureSessionDir(file); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureSessionDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func withAuthToken(dsn, token string) (string, error) {
	if token == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid session database url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dsn, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sessionFile returns the filesystem path named by a file: DSN.
func sessionFile(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid session database path %q: %w", dsn, err)
	}
	file := u.Path
	if file == "" {
		file = u.Opaque
	}
	return strings.TrimPrefix(file, "//"), nil
}

// tuneLocal limits a file database to one connection in WAL mode. Session
// writes are small and a single writer avoids SQLITE_BUSY between the server
// and concurrent CLI invocations.
func tuneLocal(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("session database: enable WAL: %w", err)
	}
	var busy int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busy); err != nil {
		return fmt.Errorf("session database: set busy timeout: %w", err)
	}
	return nil
}

// ensureSessionDir creates the parent directory of a session database,
// readable only by the gateway user since records carry job ids and hosts.
func ensureSessionDir(file string) error {
	dir := filepath.Dir(filepath.Clean(file))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session database directory %s: %w", dir, err)
	}
	return nil
}
