// Package article defines the Article entity whose one-way publication flag
// is guarded by package guard.
//
// This package contains type definitions and constructors only. Stores and
// the guard import article; article imports nothing internal.
//
// Key constraints:
//   - ID is immutable after creation
//   - IsPublished only ever moves from false to true
//   - Names are NFC-normalized and unique per store
package article
