package effects

import (
	"context"
	"log/slog"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/guard"
)

// Log records each publication at Info level.
func Log(logger *slog.Logger) guard.SideEffect {
	return func(ctx context.Context, a article.Article) error {
		logger.InfoContext(ctx, "publication side effect",
			"article_id", a.ID.String(),
			"name", a.Name,
			"published_at", a.PublishedAt,
		)
		return nil
	}
}
