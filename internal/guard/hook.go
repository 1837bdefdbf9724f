package guard

import (
	"context"

	"github.com/roach88/publishonce/internal/article"
)

// SideEffect runs the irreversible work of a publication: emails, calls to
// external APIs. It is invoked at most once per article across all nodes,
// with the row lock held and before commit. Returning an error rolls the
// transition back.
type SideEffect func(ctx context.Context, a article.Article) error

// Chain runs hooks in order and stops at the first error.
func Chain(hooks ...SideEffect) SideEffect {
	return func(ctx context.Context, a article.Article) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}
}

func noopSideEffect(context.Context, article.Article) error { return nil }
