package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists records as JSON files.
//
// Directory layout:
//
//	<root>/<user>/session.json
//
// Root is expected to be under the app data dir.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) userDir(user string) string {
	return filepath.Join(s.root, user)
}

func (s *FileStore) recordPath(user string) string {
	return filepath.Join(s.userDir(user), "session.json")
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("session store root dir is empty")
	}
	return os.MkdirAll(s.root, 0700)
}

// Save writes rec with a temp file, fsync and rename, so a crash leaves
// either the old record or the new one.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.userDir(rec.User)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "session.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}

	if err := os.Rename(tmpName, s.recordPath(rec.User)); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, user string) (*Record, error) {
	if err := (&Record{User: user}).Validate(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.recordPath(user))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("session.json is empty")
	}

	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse session.json: %w", err)
	}
	return &rec, nil
}

func (s *FileStore) Delete(_ context.Context, user string) error {
	if err := (&Record{User: user}).Validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.userDir(user)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Load(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	SortRecords(out)
	return out, nil
}

func (s *FileStore) Close() error {
	return nil
}

// SortRecords orders records most recently updated first, then by user.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].User < recs[j].User
	})
}
