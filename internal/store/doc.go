// Package store opens the configured article backend.
//
// Every backend implements guard.Store plus the bookkeeping the CLI needs
// (create, list, close). Backends live in subpackages:
//
//   - sqlite:   embedded database; each Open is a separate node
//   - postgres: FOR UPDATE NOWAIT row locks (pgx or lib/pq driver)
//   - consul:   session-bound KV locks with a CAS commit
//   - memory:   in-process, for tests and dry runs
package store
