package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
)

// ErrLockNotAvailable is the contention signal for stores without a native
// error for a refused non-blocking lock.
var ErrLockNotAvailable = errors.New("lock not available")

// ErrLockWaitTimeout is returned by stores whose own timer ends a bounded
// Wait before the lock is released. Classify reports it as contention; a
// caller's context deadline is not.
var ErrLockWaitTimeout = errors.New("lock wait timed out")

// ReadError wraps a failure reading a row after its lock was granted.
// Classify reports it as StoreError whatever the underlying cause.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return "read locked row: " + e.Err.Error() }

func (e *ReadError) Unwrap() error { return e.Err }

// Store is one node's handle on the shared backing store.
type Store interface {
	// GetArticle reads an article without locking it.
	// Returns article.ErrNotFound if it does not exist.
	GetArticle(ctx context.Context, id uuid.UUID) (article.Article, error)

	// Begin opens a transaction scoped to this handle.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a transaction on a Store. Locks taken through GetForUpdate are held
// until Commit or Rollback, or until the store drops the owning connection.
type Tx interface {
	GetArticle(ctx context.Context, id uuid.UUID) (article.Article, error)

	// GetForUpdate locks the article exclusively and returns its current
	// committed state. A refused lock surfaces as an error that Classify
	// reports as Contended. A failed read once the lock is held is wrapped
	// in ReadError.
	GetForUpdate(ctx context.Context, id uuid.UUID, mode LockMode) (article.Article, error)

	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	Commit() error

	// Rollback discards the transaction. Calling it after Commit is a no-op.
	Rollback() error
}

// LockMode selects how GetForUpdate behaves when another transaction holds
// the lock. The zero value is NoWait.
type LockMode struct {
	wait    bool
	timeout time.Duration
}

// NoWait fails immediately when the lock is held elsewhere.
var NoWait = LockMode{}

// Wait blocks until the lock is free. A positive timeout bounds the wait;
// zero waits until the context is done.
func Wait(timeout time.Duration) LockMode {
	if timeout < 0 {
		timeout = 0
	}
	return LockMode{wait: true, timeout: timeout}
}

// Blocking reports whether the lock request waits for the holder.
func (m LockMode) Blocking() bool { return m.wait }

// Timeout is the bound on a blocking wait; zero means unbounded.
func (m LockMode) Timeout() time.Duration { return m.timeout }

// String implements fmt.Stringer.
func (m LockMode) String() string {
	switch {
	case !m.wait:
		return "nowait"
	case m.timeout == 0:
		return "wait"
	default:
		return fmt.Sprintf("wait(%s)", m.timeout)
	}
}

// ParseLockMode parses "nowait", "wait" or a duration like "2s" (bounded wait).
func ParseLockMode(s string) (LockMode, error) {
	switch s {
	case "", "nowait":
		return NoWait, nil
	case "wait":
		return Wait(0), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return LockMode{}, fmt.Errorf("invalid lock mode %q: must be nowait, wait or a duration", s)
	}
	if d <= 0 {
		return LockMode{}, fmt.Errorf("invalid lock mode %q: wait duration must be positive", s)
	}
	return Wait(d), nil
}
