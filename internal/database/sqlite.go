package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/shardmesh/internal/database/migrations"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a sqlite database file and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string, ids IDRange) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; transactions serialize on the single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, sqliteDialect, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &sqlStore{db: db, d: sqliteDialect, ids: ids}, nil
}
