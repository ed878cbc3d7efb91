package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Webhook POSTs events as JSON. When a secret is set the body is signed.
type Webhook struct {
	url     string
	secret  string
	http    *http.Client
	retries uint64
	backoff time.Duration
	logger  *zap.Logger
}

func NewWebhook(url, secret string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:     url,
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
		retries: 3,
		backoff: time.Second,
		logger:  logger,
	}
}

// WithHTTPClient replaces the HTTP client.
func (w *Webhook) WithHTTPClient(c *http.Client) *Webhook {
	w.http = c
	return w
}

// WithBackoff sets the initial retry delay.
func (w *Webhook) WithBackoff(d time.Duration) *Webhook {
	w.backoff = d
	return w
}

func (w *Webhook) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	b := retry.WithMaxRetries(w.retries, retry.NewExponential(w.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if w.secret != "" {
			req.Header.Set(SignatureHeader, Sign(w.secret, body))
		}

		resp, err := w.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("webhook request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
			if resp.StatusCode >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.logger.Info("webhook delivered", zap.String("type", e.Type), zap.Int("batch", e.Batch))
	return nil
}
