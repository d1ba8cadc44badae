package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS pages (
	page_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	body       BLOB NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at INTEGER NOT NULL
)`,
}

// SQLiteStore stores pages in a SQLite database file.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./pagecraft.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	// Writers serialize on the database lock; busy_timeout waits instead of
	// failing with SQLITE_BUSY.
	db, err := sql.Open(sqliteDialect.driver, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: failed to connect: %w", err)
	}

	s := &SQLiteStore{sqlStore: newSQLStore(db, sqliteDialect), path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
