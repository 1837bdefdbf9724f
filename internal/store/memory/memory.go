// Package memory provides an in-memory implementation of guard.Store used
// for tests and single-process demos.
//
// Locks are per article and owned by a transaction. Writes are staged in the
// transaction and applied on Commit; Rollback discards them. All handles that
// share one *Store behave like nodes sharing one database.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/guard"
)

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("memory: transaction already committed or rolled back")

var _ guard.Store = (*Store)(nil)

// Store is a thread-safe in-memory article table.
type Store struct {
	mu       sync.Mutex
	articles map[uuid.UUID]article.Article
	names    map[string]uuid.UUID
	locks    map[uuid.UUID]*rowLock
}

type rowLock struct {
	owner    *Tx
	released chan struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		articles: make(map[uuid.UUID]article.Article),
		names:    make(map[string]uuid.UUID),
		locks:    make(map[uuid.UUID]*rowLock),
	}
}

// CreateArticle inserts a new article.
func (s *Store) CreateArticle(_ context.Context, a article.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.articles[a.ID]; ok {
		return fmt.Errorf("create article: id %s already exists", a.ID)
	}
	if _, ok := s.names[a.Name]; ok {
		return fmt.Errorf("create article: %w: %q", article.ErrDuplicateName, a.Name)
	}
	s.articles[a.ID] = a
	s.names[a.Name] = a.ID
	return nil
}

// GetArticle returns the committed state of an article.
func (s *Store) GetArticle(_ context.Context, id uuid.UUID) (article.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.articles[id]
	if !ok {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, article.ErrNotFound)
	}
	return a, nil
}

// ListArticles returns all articles ordered by creation time, then ID.
func (s *Store) ListArticles(_ context.Context) ([]article.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]article.Article, 0, len(s.articles))
	for _, a := range s.articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Locked reports whether any transaction currently holds the article's lock.
func (s *Store) Locked(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[id]
	return ok
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (guard.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{
		store:  s,
		held:   make(map[uuid.UUID]struct{}),
		staged: make(map[uuid.UUID]time.Time),
	}, nil
}

// Tx is a transaction on a memory Store.
type Tx struct {
	store  *Store
	held   map[uuid.UUID]struct{}
	staged map[uuid.UUID]time.Time
	done   bool
}

// GetArticle returns the article as this transaction sees it.
func (tx *Tx) GetArticle(_ context.Context, id uuid.UUID) (article.Article, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.done {
		return article.Article{}, ErrTxDone
	}
	return tx.viewLocked(id)
}

// viewLocked applies staged writes to the committed row. Caller holds store.mu.
func (tx *Tx) viewLocked(id uuid.UUID) (article.Article, error) {
	a, ok := tx.store.articles[id]
	if !ok {
		return article.Article{}, fmt.Errorf("get article %s: %w", id, article.ErrNotFound)
	}
	if at, ok := tx.staged[id]; ok {
		a.IsPublished = true
		a.PublishedAt = at
	}
	return a, nil
}

// GetForUpdate takes the article's lock for this transaction.
func (tx *Tx) GetForUpdate(ctx context.Context, id uuid.UUID, mode guard.LockMode) (article.Article, error) {
	var deadline <-chan time.Time
	if mode.Blocking() && mode.Timeout() > 0 {
		timer := time.NewTimer(mode.Timeout())
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s := tx.store
		s.mu.Lock()
		if tx.done {
			s.mu.Unlock()
			return article.Article{}, ErrTxDone
		}
		if _, ok := s.articles[id]; !ok {
			s.mu.Unlock()
			return article.Article{}, fmt.Errorf("lock article %s: %w", id, article.ErrNotFound)
		}

		l, taken := s.locks[id]
		if !taken || l.owner == tx {
			if !taken {
				s.locks[id] = &rowLock{owner: tx, released: make(chan struct{})}
			}
			tx.held[id] = struct{}{}
			a, err := tx.viewLocked(id)
			s.mu.Unlock()
			return a, err
		}
		released := l.released
		s.mu.Unlock()

		if !mode.Blocking() {
			return article.Article{}, fmt.Errorf("lock article %s: %w", id, guard.ErrLockNotAvailable)
		}

		select {
		case <-released:
		case <-deadline:
			return article.Article{}, fmt.Errorf("lock article %s: wait %s: %w", id, mode.Timeout(), guard.ErrLockWaitTimeout)
		case <-ctx.Done():
			return article.Article{}, fmt.Errorf("lock article %s: %w", id, ctx.Err())
		}
	}
}

// MarkPublished stages the publication. The lock must be held.
func (tx *Tx) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.held[id]; !ok {
		return fmt.Errorf("mark published %s: lock not held", id)
	}
	tx.staged[id] = at
	return nil
}

// Commit applies staged writes and releases all locks.
func (tx *Tx) Commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}
	for id, at := range tx.staged {
		a := s.articles[id]
		a.IsPublished = true
		a.PublishedAt = at
		s.articles[id] = a
	}
	tx.finishLocked()
	return nil
}

// Rollback discards staged writes and releases all locks.
func (tx *Tx) Rollback() error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.done {
		return nil
	}
	tx.finishLocked()
	return nil
}

func (tx *Tx) finishLocked() {
	for id := range tx.held {
		if l, ok := tx.store.locks[id]; ok && l.owner == tx {
			delete(tx.store.locks, id)
			close(l.released)
		}
	}
	tx.held = nil
	tx.staged = nil
	tx.done = true
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
