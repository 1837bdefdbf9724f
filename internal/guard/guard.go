package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/publishonce/internal/article"
)

// Guard executes publish attempts. It holds no per-attempt state and is
// safe for concurrent use by any number of goroutines.
type Guard struct {
	hook   SideEffect
	mode   LockMode
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger for attempt decisions. Defaults to discarding.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithLockMode sets how the row lock is requested. Defaults to NoWait.
func WithLockMode(mode LockMode) Option {
	return func(g *Guard) { g.mode = mode }
}

// WithClock sets the source of PublishedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Guard that runs hook on each successful transition.
// A nil hook publishes without side effects.
func New(hook SideEffect, opts ...Option) *Guard {
	if hook == nil {
		hook = noopSideEffect
	}
	g := &Guard{
		hook:   hook,
		mode:   NoWait,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LockMode returns the mode used for the row lock.
func (g *Guard) LockMode() LockMode {
	return g.mode
}

// Publish reads the article from st and attempts to publish it.
func (g *Guard) Publish(ctx context.Context, st Store, id uuid.UUID) error {
	a, err := st.GetArticle(ctx, id)
	if err != nil {
		if errors.Is(err, article.ErrNotFound) {
			return newError(CodeNotFound, id, StagePrecheck, err)
		}
		return newError(CodeStoreError, id, StagePrecheck, err)
	}
	return g.PublishArticle(ctx, st, a)
}

// PublishArticle attempts to publish a, using a's flag for the pre-check.
// The copy may be stale; the decision that counts is made under the lock.
func (g *Guard) PublishArticle(ctx context.Context, st Store, a article.Article) error {
	log := g.logger.With("article_id", a.ID.String())

	if a.IsPublished {
		log.Debug("already published", "stage", StagePrecheck)
		return newError(CodeAlreadyPublished, a.ID, StagePrecheck, nil)
	}

	return g.transition(ctx, st, a.ID, log)
}

// transition runs steps 2-6 of the protocol. The deferred rollback covers
// every return that does not follow a successful commit.
func (g *Guard) transition(ctx context.Context, st Store, id uuid.UUID, log *slog.Logger) (err error) {
	tx, err := st.Begin(ctx)
	if err != nil {
		log.Debug("begin failed", "error", err)
		return newError(CodeStoreError, id, StageBegin, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn("rollback failed", "error", rbErr)
			var te *TransitionError
			if errors.As(err, &te) {
				te.Err = multierror.Append(te.Err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	locked, err := tx.GetForUpdate(ctx, id, g.mode)
	decision := Classify(err)
	log.Debug("lock requested", "mode", g.mode.String(), "decision", decision.String())
	switch decision {
	case Acquired:
	case Contended:
		return newError(CodePublishingInProgress, id, StageLock, err)
	default:
		if errors.Is(err, article.ErrNotFound) {
			return newError(CodeNotFound, id, StageLock, err)
		}
		return newError(CodeStoreError, id, StageLock, err)
	}

	if locked.IsPublished {
		log.Debug("already published", "stage", StageRecheck)
		return newError(CodeAlreadyPublished, id, StageRecheck, nil)
	}

	at := g.now().UTC()
	if err := tx.MarkPublished(ctx, id, at); err != nil {
		return newError(CodeStoreError, id, StageMark, err)
	}
	locked.IsPublished = true
	locked.PublishedAt = at

	if err := g.runHook(ctx, locked); err != nil {
		log.Info("side effect failed, rolling back", "error", err)
		return newError(CodeSideEffectFailed, id, StageSideEffect, err)
	}

	if err := tx.Commit(); err != nil {
		log.Error("commit failed after side effect ran", "error", err)
		return newError(CodeStoreError, id, StageCommit, err)
	}
	committed = true

	log.Info("article published", "published_at", at)
	return nil
}

// runHook invokes the hook, converting a panic into an error so the
// transaction is still rolled back.
func (g *Guard) runHook(ctx context.Context, a article.Article) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("side effect panicked: %v", r)
		}
	}()
	return g.hook(ctx, a)
}
