package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a flat backend keeping every key as a row of a single table.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrapError("sqlite", "init", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapError("sqlite", "init", path, fmt.Errorf("open database %q: %w", path, err))
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS files (
			key TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, wrapError("sqlite", "init", path, fmt.Errorf("initialise schema: %w", err))
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Name() string   { return "sqlite" }
func (s *SQLite) Layout() Layout { return LayoutFlat }

func (s *SQLite) Write(ctx context.Context, key, content string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(s.Name(), "write", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (key, content, updated_at_unix) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			updated_at_unix = excluded.updated_at_unix
	`, k, content, time.Now().Unix())
	return wrapError(s.Name(), "write", k, err)
}

func (s *SQLite) Read(ctx context.Context, key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", wrapError(s.Name(), "read", key, err)
	}
	var content string
	err = s.db.QueryRowContext(ctx, `SELECT content FROM files WHERE key = ?`, k).Scan(&content)
	if err == sql.ErrNoRows {
		return "", notFound(s.Name(), "read", k)
	}
	if err != nil {
		return "", wrapError(s.Name(), "read", k, err)
	}
	return content, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(s.Name(), "delete", key, err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM files WHERE key = ?`, k)
	return wrapError(s.Name(), "delete", k, err)
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	p := cleanPrefix(prefix)
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM files
		WHERE substr(key, 1, ?) = ?
		ORDER BY key
	`, len(p), p)
	if err != nil {
		return nil, wrapError(s.Name(), "list", p, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrapError(s.Name(), "list", p, err)
		}
		keys = append(keys, k)
	}
	return keys, wrapError(s.Name(), "list", p, rows.Err())
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
