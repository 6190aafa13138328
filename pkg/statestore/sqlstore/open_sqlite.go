//go:build !cgo

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

func openDB(ctx context.Context, cfg Config) (*sql.DB, string, error) {
	dsn, err := sessionDSN(cfg)
	if err != nil {
		return nil, "", err
	}
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://") {
		return nil, "", errors.New("libsql URL requires cgo-enabled build")
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open session store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping session store: %w", err)
	}
	return db, dsn, nil
}
