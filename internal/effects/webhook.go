package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/roach88/publishonce/internal/article"
	"github.com/roach88/publishonce/internal/guard"
)

// EventPublished is the event name sent in webhook payloads.
const EventPublished = "article.published"

// IdempotencyHeader carries the article ID so receivers can drop the
// duplicate delivered when a commit fails after the hook ran.
const IdempotencyHeader = "Idempotency-Key"

// WebhookPayload is the JSON body POSTed by Webhook.
type WebhookPayload struct {
	Event   string          `json:"event"`
	Article article.Article `json:"article"`
}

type webhookConfig struct {
	client  *http.Client
	timeout time.Duration
	headers map[string]string
}

// WebhookOption configures Webhook.
type WebhookOption func(*webhookConfig)

// WithHTTPClient replaces the default pooled client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(cfg *webhookConfig) {
		if c != nil {
			cfg.client = c
		}
	}
}

// WithTimeout bounds each delivery. Zero means only ctx applies.
func WithTimeout(d time.Duration) WebhookOption {
	return func(cfg *webhookConfig) { cfg.timeout = d }
}

// WithHeader adds a request header, e.g. an auth token.
func WithHeader(key, value string) WebhookOption {
	return func(cfg *webhookConfig) { cfg.headers[key] = value }
}

// Webhook POSTs a WebhookPayload to url. Any transport error or non-2xx
// response fails the side effect, which rolls the publication back.
func Webhook(url string, opts ...WebhookOption) guard.SideEffect {
	cfg := &webhookConfig{
		client:  cleanhttp.DefaultPooledClient(),
		timeout: 10 * time.Second,
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(ctx context.Context, a article.Article) error {
		body, err := json.Marshal(WebhookPayload{Event: EventPublished, Article: a})
		if err != nil {
			return fmt.Errorf("webhook: encode payload: %w", err)
		}

		if cfg.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, a.ID.String())
		for k, v := range cfg.headers {
			req.Header.Set(k, v)
		}

		resp, err := cfg.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: post %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("webhook: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}
