// Package sqlite provides SQLite-backed article storage for publish-once
// transitions.
//
// Every process (node) opens its own Store on the same database file. SQLite
// has no row locks, so the exclusive lock on an article is the database write
// lock, claimed by a no-op UPDATE of the article's row inside the
// transaction. The claim is what makes a second node observe contention
// instead of racing.
//
// The write lock covers the whole database, so contention is not per
// article: while one node holds the lock for article A, an attempt on an
// unrelated article B also fails with guard.CodePublishingInProgress.
//
// # Database Configuration
//
//   - WAL mode: readers (the guard's pre-check) never wait on the writer
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: ordinary statements wait up to 5 seconds
//
// Settings are passed in the DSN so that every pooled connection gets them.
//
// # Lock Modes
//
// In guard.NoWait mode the connection's busy timeout is dropped to 0 for the
// claim, so a held write lock fails immediately with SQLITE_BUSY, which
// guard.Classify reports as contention. guard.Wait uses the mode's timeout as
// the busy timeout instead.
package sqlite
