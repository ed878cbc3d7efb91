package labelstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const maxExportSize = 200 * 1024 * 1024

func newHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Client talks to the Label Studio API with a personal access token, which
// is exchanged for a short-lived access token on first use.
type Client struct {
	baseURL string
	pat     string
	http    *http.Client
	retries uint64
	backoff time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	access string
}

// NewClient returns a client for the instance at baseURL.
func NewClient(baseURL, pat string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		pat:     pat,
		http:    newHTTPClient(),
		retries: 2,
		backoff: time.Second,
		logger:  logger,
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithBackoff sets the initial retry delay.
func (c *Client) WithBackoff(d time.Duration) *Client {
	c.backoff = d
	return c
}

// doRequest performs one API call, retrying transport failures and 5xx
// responses. Any other status is returned to the caller.
func (c *Client) doRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	var (
		status   int
		respBody []byte
	)
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("label studio request failed", zap.String("method", method), zap.String("url", url), zap.Error(err))
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxExportSize))
		status = resp.StatusCode
		if err != nil {
			return retry.RetryableError(err)
		}
		if status >= http.StatusInternalServerError {
			c.logger.Warn("label studio server error", zap.String("method", method), zap.String("url", url), zap.Int("status", status))
			return retry.RetryableError(fmt.Errorf("server returned status %d: %s", status, truncate(respBody)))
		}
		return nil
	})
	return status, respBody, err
}

// AccessToken exchanges the personal access token for an access token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access != "" {
		return c.access, nil
	}

	body, err := json.Marshal(map[string]string{"refresh": c.pat})
	if err != nil {
		return "", err
	}
	headers := map[string]string{"Content-Type": "application/json"}
	status, respBody, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/api/token/refresh", headers, body)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("token refresh failed: %d %s", status, truncate(respBody))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	token, ok := result["access"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("no access token in response")
	}
	c.access = token
	return token, nil
}

func (c *Client) authorized(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return 0, nil, err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	return c.doRequest(ctx, method, c.baseURL+path, headers, body)
}

// SetLabelConfig applies a labelling config to the project.
func (c *Client) SetLabelConfig(ctx context.Context, projectID int, config string) error {
	body, err := json.Marshal(map[string]interface{}{"label_config": config})
	if err != nil {
		return err
	}
	status, respBody, err := c.authorized(ctx, http.MethodPatch, fmt.Sprintf("/api/projects/%d", projectID), body)
	if err != nil {
		return fmt.Errorf("apply label config failed: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("apply label config failed: %d %s", status, truncate(respBody))
	}
	return nil
}

// Import uploads tasks into the project and returns the number created.
func (c *Client) Import(ctx context.Context, projectID int, tasks []Task) (int, error) {
	body, err := json.Marshal(tasks)
	if err != nil {
		return 0, fmt.Errorf("failed to encode tasks: %w", err)
	}
	status, respBody, err := c.authorized(ctx, http.MethodPost, fmt.Sprintf("/api/projects/%d/import", projectID), body)
	if err != nil {
		return 0, fmt.Errorf("task import failed: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return 0, fmt.Errorf("task import failed: %d %s", status, truncate(respBody))
	}

	var result struct {
		TaskCount int `json:"task_count"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("failed to decode import response: %w", err)
	}
	c.logger.Info("tasks imported", zap.Int("project", projectID), zap.Int("tasks", result.TaskCount))
	return result.TaskCount, nil
}

// Export downloads the project's tasks with their annotations as JSON.
func (c *Client) Export(ctx context.Context, projectID int) ([]byte, error) {
	status, respBody, err := c.authorized(ctx, http.MethodGet, fmt.Sprintf("/api/projects/%d/export?exportType=JSON", projectID), nil)
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("export failed: %d %s", status, truncate(respBody))
	}
	return respBody, nil
}

func truncate(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
