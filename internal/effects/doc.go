// Package effects provides side effects for guard.New: the irreversible
// work run once per publication while the row lock is held.
package effects
