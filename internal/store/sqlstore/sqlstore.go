// Package sqlstore implements guard.Store on database/sql. Backends supply
// a Dialect for placeholder syntax, row locking and constraint errors.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/guard"
)

// Dialect captures what differs between SQL backends.
type Dialect interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Table returns the (possibly schema-qualified) articles table.
	Table() string

	// Rebind rewrites '?' placeholders into the backend's syntax.
	Rebind(query string) string

	// LockRow takes the exclusive lock on the article row for the life of
	// tx. It returns article.ErrNotFound (wrapped) when the row is missing
	// and the driver's raw error on contention so guard.Classify can see it.
	LockRow(ctx context.Context, tx *sql.Tx, id uuid.UUID, mode guard.LockMode) error

	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation(err error) bool
}

var _ guard.Store = (*Store)(nil)

// Store is a node's handle on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) selectColumns() string {
	return "SELECT id, name, is_published, published_at, created_at FROM " + s.dialect.Table()
}

// CreateArticle inserts a new, unpublished article.
// Returns article.ErrDuplicateName if the name is taken.
func (s *Store) CreateArticle(ctx context.Context, a article.Article) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO `+s.dialect.Table()+`
		(id, name, is_published, published_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`),
		a.ID.String(),
		a.Name,
		false,
		nil,
		a.CreatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("create article: %w: %q", article.ErrDuplicateName, a.Name)
		}
		return fmt.Errorf("create article: %w", err)
	}
	return nil
}

// GetArticle reads an article outside any transaction.
func (s *Store) GetArticle(ctx context.Context, id uuid.UUID) (article.Article, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, q queryer, id uuid.UUID) (article.Article, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(s.selectColumns()+` WHERE id = ?`), id.String())
	a, err := scanArticle(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return article.Article{}, fmt.Errorf("get article %s: %w", id, article.ErrNotFound)
		}
		return article.Article{}, fmt.Errorf("get article %s: %w", id, err)
	}
	return a, nil
}

// ListArticles returns all articles ordered by creation time, then ID.
func (s *Store) ListArticles(ctx context.Context) ([]article.Article, error) {
	rows, err := s.db.QueryContext(ctx, s.selectColumns()+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []article.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("list articles: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return out, nil
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (guard.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", s.dialect.Name(), err)
	}
	return &Tx{store: s, tx: tx}, nil
}

// Tx is a transaction on a SQL Store.
type Tx struct {
	store *Store
	tx    *sql.Tx
}

// GetArticle reads an article within the transaction.
func (t *Tx) GetArticle(ctx context.Context, id uuid.UUID) (article.Article, error) {
	return t.store.get(ctx, t.tx, id)
}

// GetForUpdate locks the row, then reads it under the lock.
func (t *Tx) GetForUpdate(ctx context.Context, id uuid.UUID, mode guard.LockMode) (article.Article, error) {
	if err := t.store.dialect.LockRow(ctx, t.tx, id, mode); err != nil {
		return article.Article{}, fmt.Errorf("lock article %s: %w", id, err)
	}
	a, err := t.store.get(ctx, t.tx, id)
	if err != nil {
		return article.Article{}, &guard.ReadError{Err: err}
	}
	return a, nil
}

// MarkPublished sets the flag and timestamp.
func (t *Tx) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.store.dialect.Rebind(`
		UPDATE `+t.store.dialect.Table()+`
		SET is_published = ?, published_at = ?
		WHERE id = ?
	`), true, at.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("mark published %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark published %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark published %s: %w", id, article.ErrNotFound)
	}
	return nil
}

// Commit commits the transaction and releases its locks.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", t.store.dialect.Name(), err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%s: rollback: %w", t.store.dialect.Name(), err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(sc scanner) (article.Article, error) {
	var (
		a           article.Article
		id          string
		publishedAt sql.NullTime
	)
	if err := sc.Scan(&id, &a.Name, &a.IsPublished, &publishedAt, &a.CreatedAt); err != nil {
		return article.Article{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return article.Article{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	a.ID = parsed
	if publishedAt.Valid {
		a.PublishedAt = publishedAt.Time.UTC()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
