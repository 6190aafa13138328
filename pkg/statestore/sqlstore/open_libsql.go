//go:build cgo

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"

func openDB(ctx context.Context, cfg Config) (*sql.DB, string, error) {
	dsn, err := sessionDSN(cfg)
	if err != nil {
		return nil, "", err
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
