package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var postgresDialect = dialect{
	name:       "postgres",
	driver:     "postgres",
	positional: true,
	schema: `CREATE TABLE IF NOT EXISTS pages (
	page_id    TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	body       BYTEA NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at BIGINT NOT NULL
)`,
}

// PostgresStore stores pages in PostgreSQL.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore connects using dsn, falling back to DATABASE_URL.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: database connection required (set store.dsn or DATABASE_URL)")
	}

	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: failed to connect: %w", err)
	}

	return newPostgresStoreWithDB(ctx, db)
}

func newPostgresStoreWithDB(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore: newSQLStore(db, postgresDialect)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
