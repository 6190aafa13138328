package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gospawner/pkg/statestore"
)

const schemaVersion = 1

// Store is a statestore.Store backed by a sessions table.
type Store struct {
	db *sql.DB
}

var _ statestore.Store = (*Store)(nil)

// Open opens (and creates if needed) the session database and its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, dsn, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		// Every pooled connection would otherwise see its own database.
		db.SetMaxOpenConns(1)
	}
	if err := tuneLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO session_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			user TEXT PRIMARY KEY,
			session_id TEXT,
			profile TEXT,
			state TEXT NOT NULL,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Save(ctx context.Context, rec *statestore.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (user, session_id, profile, state, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET
			session_id=excluded.session_id,
			profile=excluded.profile,
			state=excluded.state,
			record=excluded.record,
			updated_at=excluded.updated_at
	`, rec.User, rec.SessionID, rec.Profile, string(rec.State), string(b), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.User, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, user string) (*statestore.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE user = ?`, user).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, statestore.ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", user, err)
	}
	return decodeRecord(raw)
}

func (s *Store) Delete(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user = ?`, user); err != nil {
		return fmt.Errorf("delete session %s: %w", user, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]statestore.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []statestore.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	statestore.SortRecords(out)
	return out, nil
}

func decodeRecord(raw string) (*statestore.Record, error) {
	var rec statestore.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return &rec, nil
}
