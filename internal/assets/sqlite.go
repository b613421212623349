package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	kindAudio = "audio"
	kindImage = "image"
)

// SQLiteStore implements Store on a single local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the asset database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open asset db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate asset db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		key        TEXT NOT NULL,
		kind       TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (key, kind)
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) get(ctx context.Context, key, kind string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM assets WHERE key = ? AND kind = ?`, key, kind).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s asset: %w", kind, err)
	}
	return data, nil
}

// put is write-once: an existing key wins and the new data is discarded.
func (s *SQLiteStore) put(ctx context.Context, key, kind string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assets (key, kind, data, created_at) VALUES (?, ?, ?, ?)`,
		key, kind, data, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save %s asset: %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) has(ctx context.Context, key, kind string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM assets WHERE key = ? AND kind = ?`, key, kind).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) GetAudio(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, key, kindAudio)
}

func (s *SQLiteStore) SaveAudio(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, kindAudio, data)
}

func (s *SQLiteStore) HasAudio(ctx context.Context, key string) (bool, error) {
	return s.has(ctx, key, kindAudio)
}

func (s *SQLiteStore) GetImage(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, key, kindImage)
}

func (s *SQLiteStore) SaveImage(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, kindImage, data)
}

func (s *SQLiteStore) HasImage(ctx context.Context, key string) (bool, error) {
	return s.has(ctx, key, kindImage)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Stats reports entry counts and total size, for the CLI cache command.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM assets GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totalSize int64
	for rows.Next() {
		var kind string
		var count, size int64
		if err := rows.Scan(&kind, &count, &size); err != nil {
			return nil, err
		}
		stats[kind+"_entries"] = count
		totalSize += size
	}
	stats["total_size_mb"] = float64(totalSize) / (1024 * 1024)
	return stats, rows.Err()
}

// Clear drops every cached asset.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets`)
	return err
}
