package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/publishonce/internal/article"
)

// articleView is the output shape of an article.
type articleView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	IsPublished bool       `json:"is_published"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newArticleView(a article.Article) articleView {
	v := articleView{
		ID:          a.ID.String(),
		Name:        a.Name,
		IsPublished: a.IsPublished,
		CreatedAt:   a.CreatedAt,
	}
	if !a.PublishedAt.IsZero() {
		at := a.PublishedAt
		v.PublishedAt = &at
	}
	return v
}

func (v articleView) String() string {
	state := "draft"
	if v.IsPublished {
		state = "published " + v.PublishedAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s  %s  (%s)", v.ID, v.Name, state)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the article store",
		Long: `Open the configured store, creating its schema if needed.

Example:
  publishonce init --db ./articles.db
  publishonce init --driver postgres`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			target := a.cfg.Store.Driver
			if a.cfg.Store.Driver == "sqlite" {
				target = a.cfg.Store.Path
			}
			if a.out.Format == "json" {
				return a.out.Success(map[string]string{"initialized": target})
			}
			return a.out.Success("initialized " + target)
		},
	}
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an unpublished article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			art, err := article.New(args[0], article.UUIDv7Generator{}, time.Now().UTC())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid article", err)
			}
			if err := a.backend.CreateArticle(cmd.Context(), art); err != nil {
				if errors.Is(err, article.ErrDuplicateName) {
					return NewExitError(ExitCommandError, fmt.Sprintf("article %q already exists", art.Name))
				}
				return WrapExitError(ExitCommandError, "failed to create article", err)
			}
			a.logger.Info("article created", "article_id", art.ID.String(), "name", art.Name)
			return a.out.Success(newArticleView(art))
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			art, err := a.backend.GetArticle(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, article.ErrNotFound) {
					return NewExitError(ExitCommandError, fmt.Sprintf("article %s not found", id))
				}
				return WrapExitError(ExitCommandError, "failed to read article", err)
			}
			return a.out.Success(newArticleView(art))
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List articles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			arts, err := a.backend.ListArticles(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list articles", err)
			}
			views := make([]articleView, 0, len(arts))
			for _, art := range arts {
				views = append(views, newArticleView(art))
			}

			if a.out.Format == "json" {
				return a.out.Success(views)
			}
			return a.out.Success(articleTable(views))
		},
	}
}

// articleTable renders views as aligned text columns.
func articleTable(views []articleView) string {
	if len(views) == 0 {
		return "No articles."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPUBLISHED\tPUBLISHED AT")
	for _, v := range views {
		at := "-"
		if v.PublishedAt != nil {
			at = v.PublishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", v.ID, v.Name, v.IsPublished, at)
	}
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid article id %q", s), err)
	}
	return id, nil
}
