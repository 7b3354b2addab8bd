// Package delivery sends batches of admitted articles to the backend's
// ingestion endpoint.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"news_ingest/internal/domain"
)

// Error is a terminal delivery failure for one batch. It marks the batch
// failed for the run without aborting delivery of other batches.
type Error struct {
	BatchID    string
	StatusCode int // 0 when the failure never produced a response
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver batch %s: status %d", e.BatchID, e.StatusCode)
	}
	return fmt.Sprintf("deliver batch %s: %v", e.BatchID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds delivery endpoint configuration.
type Config struct {
	EndpointURL string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// deliverResponse is the backend's per-batch acknowledgment. A resend of
// an already-seen batch_id is acknowledged the same way (idempotent
// receive), which is what makes the retry loop safe.
type deliverResponse struct {
	Accepted int `json:"accepted"`
}

// Client posts DeliveryBatch payloads with at-least-once semantics:
// network failures, 5xx and 429 are retried with full-jitter backoff,
// any other 4xx is terminal for the batch.
type Client struct {
	httpClient  *http.Client
	endpointURL string
	apiKey      string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		endpointURL: cfg.EndpointURL,
		apiKey:      cfg.APIKey,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      logger,
	}
}

// Deliver sends one batch and returns the number of articles the backend
// accepted. The batch is owned by the client for the duration of the
// call; on a *Error return the batch counts as failed for this run.
func (c *Client) Deliver(ctx context.Context, batch domain.DeliveryBatch) (int, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return 0, &Error{BatchID: batch.BatchID, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		accepted, retry, err := c.send(ctx, batch.BatchID, payload)
		if err == nil {
			c.logger.Debug("delivered batch",
				"batch_id", batch.BatchID,
				"articles", len(batch.Articles),
				"accepted", accepted,
				"attempt", attempt,
			)
			return accepted, nil
		}
		lastErr = err

		if !retry || attempt == c.maxAttempts {
			break
		}

		backoff := c.jitteredBackoff(attempt)
		c.logger.Warn("delivery failed, retrying",
			"batch_id", batch.BatchID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return 0, &Error{BatchID: batch.BatchID, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	var delErr *Error
	if errors.As(lastErr, &delErr) {
		return 0, delErr
	}
	return 0, &Error{BatchID: batch.BatchID, Err: lastErr}
}

func (c *Client) send(ctx context.Context, batchID string, payload []byte) (accepted int, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(payload))
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", batchID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return 0, true, &Error{BatchID: batchID, StatusCode: resp.StatusCode}
	default:
		io.Copy(io.Discard, resp.Body)
		return 0, false, &Error{BatchID: batchID, StatusCode: resp.StatusCode}
	}

	var ack deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return 0, false, &Error{BatchID: batchID, Err: fmt.Errorf("decode acknowledgment: %w", err)}
	}

	return ack.Accepted, false, nil
}

// jitteredBackoff doubles the base per attempt, capped, then picks a
// uniform point in [0, backoff] (full jitter).
func (c *Client) jitteredBackoff(attempt int) time.Duration {
	backoff := c.baseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}
