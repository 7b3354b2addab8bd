// Package source holds the HTTP plumbing shared by the concrete adapters:
// a retrying client with bounded backoff and the error types the
// coordinator uses to classify source failures.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// StatusError reports a non-2xx response that was not worth retrying.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Config bounds one adapter's HTTP behavior.
type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
}

// Client wraps http.Client with the retry policy every adapter shares:
// network errors, 5xx and 429 are retried with doubling jittered backoff;
// other 4xx are terminal and surface as *StatusError.
type Client struct {
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	userAgent      string
	logger         *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		userAgent:      cfg.UserAgent,
		logger:         logger,
	}
}

// Get fetches url, retrying retryable failures up to MaxAttempts.
func (c *Client) Get(ctx context.Context, url, accept string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.doRequest(ctx, url, accept)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !retryable(err) || attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("request failed, retrying",
			"url", url,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// calculateBackoff doubles from the initial backoff, capped, with up to
// half the interval of random jitter added.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	return backoff + jitter
}

func retryable(err error) bool {
	if statusErr, ok := err.(*StatusError); ok {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return true
}
