package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS accessories (
	id         TEXT PRIMARY KEY,
	device     TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore keeps the accessory cache in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, device, state, updated_at FROM accessories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accessories: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec               Record
			device, state, ts string
		)
		if err := rows.Scan(&rec.ID, &device, &state, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan accessory: %w", err)
		}
		rec.Device = []byte(device)
		rec.State = []byte(state)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.UpdatedAt = parsed
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save replaces the cached set with records in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM accessories`); err != nil {
		return fmt.Errorf("failed to clear accessories: %w", err)
	}
	for _, rec := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accessories (id, device, state, updated_at) VALUES (?, ?, ?, ?)`,
			rec.ID, string(rec.Device), string(rec.State), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert accessory %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}
