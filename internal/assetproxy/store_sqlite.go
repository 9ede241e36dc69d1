package assetproxy

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

// SQLiteRecordStore keeps records in SQLite. The origin_hash primary key makes
// Save insert-if-absent across every process sharing the file.
type SQLiteRecordStore struct {
	db *sql.DB
}

func OpenSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applySQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRecordStore{db: db}, nil
}

func applySQLiteSchema(db *sql.DB) error {
	names, err := fs.Glob(sqliteMigrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := fs.ReadFile(sqliteMigrations, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteRecordStore) FindByHash(ctx context.Context, hash string) (ProxiedAsset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT origin_hash, origin_url, stored_path, http_status, content_type, stored_at
		   FROM proxied_assets
		  WHERE origin_hash = ?`,
		hash,
	)
	var rec ProxiedAsset
	err := row.Scan(&rec.OriginHash, &rec.OriginURL, &rec.StoredPath, &rec.HTTPStatus, &rec.ContentType, &rec.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProxiedAsset{}, ErrNotFound
	}
	if err != nil {
		return ProxiedAsset{}, fmt.Errorf("get record %s: %w", hash, err)
	}
	return rec, nil
}

func (s *SQLiteRecordStore) Save(ctx context.Context, rec ProxiedAsset) (ProxiedAsset, error) {
	if rec.OriginHash == "" {
		return ProxiedAsset{}, errors.New("record has no origin hash")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxied_assets (
		   origin_hash, origin_url, stored_path, http_status, content_type, stored_at
		 ) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OriginHash, rec.OriginURL, rec.StoredPath, rec.HTTPStatus, rec.ContentType, rec.StoredAt,
	)
	if err == nil {
		return rec, nil
	}
	if !isUniqueViolation(err) {
		return ProxiedAsset{}, fmt.Errorf("insert record %s: %w", rec.OriginHash, err)
	}
	return s.FindByHash(ctx, rec.OriginHash)
}

func (s *SQLiteRecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxied_assets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
