package article

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// MaxNameLength is the longest name (in runes) a store will accept.
const MaxNameLength = 255

var (
	// ErrNotFound is returned by stores when no article has the requested ID.
	ErrNotFound = errors.New("article not found")

	// ErrDuplicateName is returned by stores when an article with the same
	// normalized name already exists.
	ErrDuplicateName = errors.New("article name already exists")

	// ErrInvalidName is returned by New for empty or oversized names.
	ErrInvalidName = errors.New("invalid article name")
)

// Article is the record whose publication triggers side effects.
type Article struct {
	ID          uuid.UUID `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	IsPublished bool      `json:"is_published" yaml:"is_published"`

	// PublishedAt is the zero time while IsPublished is false.
	PublishedAt time.Time `json:"published_at,omitzero" yaml:"published_at,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// New builds an unpublished article with a fresh ID from gen.
// The name is trimmed and NFC-normalized so that visually identical names
// collide on the store's uniqueness constraint.
func New(name string, gen IDGenerator, now time.Time) (Article, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return Article{}, err
	}
	return Article{
		ID:        gen.Generate(),
		Name:      normalized,
		CreatedAt: now.UTC(),
	}, nil
}

// NormalizeName returns the canonical form of an article name.
func NormalizeName(name string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(name))
	if normalized == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if n := utf8.RuneCountInString(normalized); n > MaxNameLength {
		return "", fmt.Errorf("%w: name has %d characters, max %d", ErrInvalidName, n, MaxNameLength)
	}
	return normalized, nil
}

// String implements fmt.Stringer.
func (a Article) String() string {
	state := "draft"
	if a.IsPublished {
		state = "published"
	}
	return fmt.Sprintf("%s (%s, %s)", a.Name, a.ID, state)
}
