package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/effects"
	"github.com/roach88/publishonce/internal/guard"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Webhook string
	Hold    time.Duration
	Wait    time.Duration
}

// PublishResult is the output of a publish that did not fail.
type PublishResult struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"` // "published" | "already_published"
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func (r PublishResult) String() string {
	if r.Status == "already_published" {
		return fmt.Sprintf("%s already published", r.ID)
	}
	return fmt.Sprintf("published %s", r.ID)
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish an article at most once",
		Long: `Attempt to publish an article. Safe to run concurrently from many nodes:
exactly one attempt runs the side effects and commits.

With the sqlite driver the lock is the database write lock, not a row lock:
while any article is being published, an attempt on a different article
also reports "publishing in progress". Retry it, or use --wait. The postgres,
consul and memory drivers lock each article separately.

Exit codes:
  0 - Published, or already published
  1 - Retryable: publishing in progress elsewhere, or a side effect failed
  2 - Article not found, store error, or bad arguments

Examples:
  publishonce publish 0192...
  publishonce publish 0192... --webhook https://hooks.example.com/published
  publishonce publish 0192... --hold 30s     # keep the lock to demo contention
  publishonce publish 0192... --wait 2s      # wait up to 2s for the lock`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Webhook, "webhook", "", "POST the published article to this URL (overrides config)")
	cmd.Flags().DurationVar(&opts.Hold, "hold", 0, "keep the row lock this long inside the side effect")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait up to this long for the row lock instead of failing fast (0 waits indefinitely)")

	return cmd
}

func runPublish(cmd *cobra.Command, opts *PublishOptions, rawID string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.close()

	mode, err := a.cfg.LockMode()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid lock mode", err)
	}
	if cmd.Flags().Changed("wait") {
		mode = guard.Wait(opts.Wait)
	}

	hooks := []guard.SideEffect{effects.Log(a.logger)}
	if opts.Hold > 0 {
		hooks = append(hooks, holdFor(opts.Hold, a.out))
	}
	webhook := a.cfg.Webhook.URL
	if opts.Webhook != "" {
		webhook = opts.Webhook
	}
	if webhook != "" {
		hooks = append(hooks, effects.Webhook(webhook, effects.WithTimeout(a.cfg.Webhook.Timeout)))
	}

	g := guard.New(guard.Chain(hooks...),
		guard.WithLogger(a.logger),
		guard.WithLockMode(mode),
	)

	ctx := cmd.Context()
	err = g.Publish(ctx, a.backend, id)
	switch {
	case err == nil:
		res := PublishResult{ID: id.String(), Status: "published"}
		if art, getErr := a.backend.GetArticle(ctx, id); getErr == nil {
			res.PublishedAt = publishedAt(art)
		}
		return a.out.Success(res)
	case guard.IsAlreadyPublished(err):
		return a.out.Success(PublishResult{ID: id.String(), Status: "already_published"})
	default:
		a.logger.Debug("publish failed", "error", err)
		return err
	}
}

func publishedAt(a article.Article) *time.Time {
	if a.PublishedAt.IsZero() {
		return nil
	}
	at := a.PublishedAt
	return &at
}

// holdFor keeps the attempt inside its side effect for d, so other nodes
// observe the lock.
func holdFor(d time.Duration, out *OutputFormatter) guard.SideEffect {
	return func(ctx context.Context, a article.Article) error {
		out.VerboseLog("holding lock on %s for %s", a.ID, d)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
