package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/livetemplate/pagecraft"
)

// dialect adapts the shared SQL to a driver.
type dialect struct {
	name       string
	driver     string
	positional bool // $1-style placeholders
	schema     string
}

// sqlStore implements Store over database/sql. The schema is one row per
// page; tombstoned rows keep their version counter.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("%s store: migrate: %w", s.dialect.name, err)
	}
	return nil
}

// bind rewrites ? placeholders for drivers that need $n.
func (s *sqlStore) bind(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Get(ctx context.Context, pageID string) (*pagecraft.PageDocument, error) {
	var (
		version int64
		body    []byte
	)
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT version, body FROM pages WHERE page_id = ? AND deleted = FALSE`),
		pageID,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s store: get %q: %w", s.dialect.name, pageID, err)
	}
	return decodeStored(pageID, version, body)
}

func (s *sqlStore) Put(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	if err := ValidatePageID(doc.PageID); err != nil {
		return "", err
	}
	body, err := encodeComponents(doc)
	if err != nil {
		return "", err
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%s store: begin: %w", s.dialect.name, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var newVersion int64
	if doc.Version != "" {
		expected, ok := parseVersion(doc.Version)
		if !ok {
			return "", s.conflict(ctx, tx, doc)
		}
		err = tx.QueryRowContext(ctx,
			s.bind(`UPDATE pages SET body = ?, version = version + 1, updated_at = ? WHERE page_id = ? AND version = ? AND deleted = FALSE RETURNING version`),
			body, now, doc.PageID, expected,
		).Scan(&newVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return "", s.conflict(ctx, tx, doc)
		}
		if err != nil {
			return "", fmt.Errorf("%s store: update %q: %w", s.dialect.name, doc.PageID, err)
		}
	} else {
		// Revive a tombstone first so its counter continues.
		err = tx.QueryRowContext(ctx,
			s.bind(`UPDATE pages SET body = ?, version = version + 1, deleted = FALSE, updated_at = ? WHERE page_id = ? AND deleted = TRUE RETURNING version`),
			body, now, doc.PageID,
		).Scan(&newVersion)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				s.bind(`INSERT INTO pages (page_id, version, body, deleted, updated_at) VALUES (?, 1, ?, FALSE, ?) ON CONFLICT (page_id) DO NOTHING`),
				doc.PageID, body, now,
			)
			if err != nil {
				return "", fmt.Errorf("%s store: insert %q: %w", s.dialect.name, doc.PageID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return "", s.conflict(ctx, tx, doc)
			}
			newVersion = 1
		case err != nil:
			return "", fmt.Errorf("%s store: revive %q: %w", s.dialect.name, doc.PageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%s store: commit: %w", s.dialect.name, err)
	}
	return formatVersion(newVersion), nil
}

// conflict builds the error for a failed compare-and-swap, reading the
// version that won.
func (s *sqlStore) conflict(ctx context.Context, tx *sql.Tx, doc *pagecraft.PageDocument) error {
	var (
		version int64
		deleted bool
	)
	err := tx.QueryRowContext(ctx,
		s.bind(`SELECT version, deleted FROM pages WHERE page_id = ?`),
		doc.PageID,
	).Scan(&version, &deleted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s store: read version of %q: %w", s.dialect.name, doc.PageID, err)
	}
	var actual pagecraft.Version
	if err == nil && !deleted {
		actual = formatVersion(version)
	}
	return &VersionConflictError{PageID: doc.PageID, Expected: doc.Version, Actual: actual}
}

func (s *sqlStore) Delete(ctx context.Context, pageID string) error {
	res, err := s.db.ExecContext(ctx,
		s.bind(`UPDATE pages SET deleted = TRUE, updated_at = ? WHERE page_id = ? AND deleted = FALSE`),
		s.now().UnixMilli(), pageID,
	)
	if err != nil {
		return fmt.Errorf("%s store: delete %q: %w", s.dialect.name, pageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context) ([]PageInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_id, version, updated_at FROM pages WHERE deleted = FALSE ORDER BY page_id`)
	if err != nil {
		return nil, fmt.Errorf("%s store: list: %w", s.dialect.name, err)
	}
	defer rows.Close()

	var out []PageInfo
	for rows.Next() {
		var (
			info    PageInfo
			version int64
			updated int64
		)
		if err := rows.Scan(&info.PageID, &version, &updated); err != nil {
			return nil, err
		}
		info.Version = formatVersion(version)
		info.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
