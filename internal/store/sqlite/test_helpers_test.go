package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
)

// createTestStore opens a store on a fresh database file.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return openNode(t, filepath.Join(t.TempDir(), "test.db"))
}

// openNode opens another handle on path, standing in for a separate process.
func openNode(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestArticle inserts an unpublished article with a fixed ID.
func createTestArticle(t *testing.T, s *Store, id, name string) article.Article {
	t.Helper()
	a := article.Article{
		ID:        uuid.MustParse(id),
		Name:      name,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.CreateArticle(context.Background(), a); err != nil {
		t.Fatalf("CreateArticle() failed: %v", err)
	}
	return a
}
