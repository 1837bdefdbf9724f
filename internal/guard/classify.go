package guard

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// sqlStateLockNotAvailable is raised by Postgres for FOR UPDATE NOWAIT and
// for an expired lock_timeout.
const sqlStateLockNotAvailable = "55P03"

// LockDecision is the interpreted outcome of a lock request.
type LockDecision int

const (
	// Acquired means the lock is held by the requesting transaction.
	Acquired LockDecision = iota

	// Contended means another transaction holds the lock. Expected and
	// recoverable.
	Contended

	// StoreError means the request failed for a reason other than
	// contention: connectivity, schema, cancellation.
	StoreError
)

// String implements fmt.Stringer.
func (d LockDecision) String() string {
	switch d {
	case Acquired:
		return "acquired"
	case Contended:
		return "contended"
	case StoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// Classify maps the error returned by Tx.GetForUpdate to a LockDecision.
//
// Only signals that unambiguously mean "someone else holds the lock" are
// Contended. Anything unrecognised is a StoreError so that a broken store is
// never reported as a publication in progress.
func Classify(err error) LockDecision {
	if err == nil {
		return Acquired
	}
	var readErr *ReadError
	if errors.As(err, &readErr) {
		return StoreError
	}
	if isContention(err) {
		return Contended
	}
	return StoreError
}

func isContention(err error) bool {
	if errors.Is(err, ErrLockNotAvailable) || errors.Is(err, ErrLockWaitTimeout) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateLockNotAvailable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == sqlStateLockNotAvailable
	}

	return false
}
