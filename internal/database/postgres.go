package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/shardmesh/internal/database/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres connects a pgx pool and applies the embedded migrations.
// Compare-and-set paths lock the object row for the transaction.
func OpenPostgres(ctx context.Context, url string, ids IDRange) (Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("database: postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	if err := applyMigrations(ctx, db, postgresDialect, migrations.FS); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &postgresStore{sqlStore: &sqlStore{db: db, d: postgresDialect, ids: ids}, pool: pool}, nil
}

type postgresStore struct {
	*sqlStore
	pool *pgxpool.Pool
}

func (s *postgresStore) Close() error {
	err := s.sqlStore.Close()
	s.pool.Close()
	return err
}
