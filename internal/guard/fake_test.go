package guard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
)

// fakeStore scripts each collaborator call so tests can drive the guard
// through every branch of the protocol.
type fakeStore struct {
	article  article.Article
	getErr   error
	beginErr error
	tx       *fakeTx
}

func (s *fakeStore) GetArticle(context.Context, uuid.UUID) (article.Article, error) {
	return s.article, s.getErr
}

func (s *fakeStore) Begin(context.Context) (Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.tx, nil
}

type fakeTx struct {
	locked      article.Article
	lockErr     error
	lockFunc    func(ctx context.Context) error
	markErr     error
	commitErr   error
	rollbackErr error

	lockMode   LockMode
	marked     bool
	markedAt   time.Time
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) GetArticle(context.Context, uuid.UUID) (article.Article, error) {
	return tx.locked, nil
}

func (tx *fakeTx) GetForUpdate(ctx context.Context, _ uuid.UUID, mode LockMode) (article.Article, error) {
	tx.lockMode = mode
	if tx.lockFunc != nil {
		return tx.locked, tx.lockFunc(ctx)
	}
	return tx.locked, tx.lockErr
}

func (tx *fakeTx) MarkPublished(_ context.Context, _ uuid.UUID, at time.Time) error {
	if tx.markErr != nil {
		return tx.markErr
	}
	tx.marked = true
	tx.markedAt = at
	return nil
}

func (tx *fakeTx) Commit() error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.rolledBack = true
	return tx.rollbackErr
}
