package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/publishonce/internal/article"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	var name string
	err = s.DB().QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
		"articles",
	).Scan(&name)
	if err != nil {
		t.Errorf("articles table not found after idempotent opens: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	if _, err := OpenConfig(path, Config{MaxOpenConns: 0}); err == nil {
		t.Error("expected error for zero max open conns")
	}
	if _, err := OpenConfig(path, Config{BusyTimeout: -time.Second, MaxOpenConns: 1}); err == nil {
		t.Error("expected error for negative busy timeout")
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	a := createTestArticle(t, s, "00000000-0000-0000-0000-000000000001", "memo")
	got, err := s.GetArticle(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetArticle() failed: %v", err)
	}
	if got.Name != "memo" {
		t.Errorf("Name = %q, want memo", got.Name)
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	_ = s.Close()
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestMigrations_UserVersion(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}

	var name string
	err := s.DB().QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
		"idx_articles_created",
	).Scan(&name)
	if err != nil {
		t.Errorf("listing index missing: %v", err)
	}
}

func TestMigrations_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s := openNode(t, path)
	if _, err := s.DB().Exec("DROP INDEX idx_articles_created"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := s.DB().Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("reset user_version: %v", err)
	}
	s.Close()

	s = openNode(t, path)
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
	var name string
	err := s.DB().QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
		"idx_articles_created",
	).Scan(&name)
	if err != nil {
		t.Errorf("listing index not recreated: %v", err)
	}
}

// CRUD tests

func TestCreateArticle_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	a := createTestArticle(t, s, "00000000-0000-0000-0000-000000000001", "first")

	got, err := s.GetArticle(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetArticle() failed: %v", err)
	}
	if got.ID != a.ID || got.Name != a.Name {
		t.Errorf("got %+v, want %+v", got, a)
	}
	if got.IsPublished {
		t.Error("new article must not be published")
	}
	if !got.PublishedAt.IsZero() {
		t.Errorf("PublishedAt = %v, want zero", got.PublishedAt)
	}
	if !got.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, a.CreatedAt)
	}
}

func TestCreateArticle_DuplicateName(t *testing.T) {
	s := createTestStore(t)
	createTestArticle(t, s, "00000000-0000-0000-0000-000000000001", "first")

	err := s.CreateArticle(context.Background(), article.Article{
		ID:        uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		Name:      "first",
		CreatedAt: time.Now(),
	})
	if !errors.Is(err, article.ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestGetArticle_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetArticle(context.Background(), uuid.MustParse("00000000-0000-0000-0000-000000000009"))
	if !errors.Is(err, article.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListArticles_Ordered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"third", "first", "second"} {
		offsets := []time.Duration{2 * time.Second, 0, time.Second}
		err := s.CreateArticle(ctx, article.Article{
			ID:        uuid.New(),
			Name:      name,
			CreatedAt: base.Add(offsets[i]),
		})
		if err != nil {
			t.Fatalf("CreateArticle(%s) failed: %v", name, err)
		}
	}

	got, err := s.ListArticles(ctx)
	if err != nil {
		t.Fatalf("ListArticles() failed: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %d articles, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Errorf("article %d = %q, want %q", i, got[i].Name, want[i])
		}
	}
}
