// Package store implements the query/update backend on sqlite. Engines go
// through the generic Query/Exec helpers: a failed round-trip is logged with
// its statement and params and degrades to an empty result or false, so
// callers treat "empty"/"false" as "assume no change happened".
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

type Backend struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(ctx context.Context, path string, logger *slog.Logger) (*Backend, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Backend{db: db, log: logger}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            idu INTEGER PRIMARY KEY AUTOINCREMENT,
            email TEXT NOT NULL UNIQUE,
            name TEXT NOT NULL,
            password TEXT NOT NULL,
            signature TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS boxes (
            idb INTEGER PRIMARY KEY AUTOINCREMENT,
            idu INTEGER NOT NULL,
            box INTEGER NOT NULL,
            unread INTEGER NOT NULL,
            date INTEGER NOT NULL,
            sender TEXT NOT NULL,
            recipient TEXT NOT NULL,
            subject TEXT NOT NULL,
            content TEXT NOT NULL,
            attachments TEXT,
            FOREIGN KEY(idu) REFERENCES users(idu)
        );`,
		`CREATE TABLE IF NOT EXISTS notes (
            idn INTEGER PRIMARY KEY AUTOINCREMENT,
            idu INTEGER NOT NULL,
            idp INTEGER NOT NULL DEFAULT 0,
            position INTEGER NOT NULL,
            label TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            content TEXT NOT NULL DEFAULT '',
            event TEXT,
            FOREIGN KEY(idu) REFERENCES users(idu)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_boxes_user_box_date ON boxes(idu, box, date);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_user_parent ON notes(idu, idp, position);`,
	}

	for _, statement := range statements {
		if _, err := b.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Query runs a row-returning statement and maps every row through scan.
// Any failure is logged and yields an empty slice.
func Query[T any](ctx context.Context, b *Backend, scan func(*sql.Rows) (T, error), statement string, args ...any) []T {
	rows, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		b.log.Error("query", "statement", statement, "params", args, "error", err)
		return nil
	}
	defer rows.Close()

	var result []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			b.log.Error("query scan", "statement", statement, "error", err)
			return nil
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		b.log.Error("query rows", "statement", statement, "error", err)
		return nil
	}
	return result
}

// Exec runs a statement for its side effect. Reports whether the statement
// executed without error; affected row counts are not inspected.
func Exec(ctx context.Context, b *Backend, statement string, args ...any) bool {
	if _, err := b.db.ExecContext(ctx, statement, args...); err != nil {
		b.log.Error("exec", "statement", statement, "params", args, "error", err)
		return false
	}
	return true
}
