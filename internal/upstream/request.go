package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"
)

// ErrRateLimited is returned when the gateway rejects a call with 429.
// Callers back off the whole poll group rather than retrying per instrument.
var ErrRateLimited = errors.New("upstream rate limit exceeded")

// APIError represents an error response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a transport retry.
// 429 is deliberately excluded: rate limits are handled by the poll
// scheduler, not by hammering the gateway again.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

const sessionHeader = "X-Session-Token"

// pace blocks until the minimum gap since the previous request has
// elapsed. With no gap configured it is free.
func (c *Client) pace(ctx context.Context) error {
	if c.minRequestGap <= 0 {
		return nil
	}
	c.paceMu.Lock()
	wait := c.minRequestGap - time.Since(c.lastRequest)
	if wait > 0 {
		// Reserve the slot before sleeping so concurrent callers
		// queue behind it instead of piling onto the same slot.
		c.lastRequest = c.lastRequest.Add(c.minRequestGap)
	} else {
		c.lastRequest = time.Now()
	}
	c.paceMu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// doRequest performs a single HTTP request against the gateway.
func (c *Client) doRequest(ctx context.Context, method, path, token string, query url.Values, payload any) ([]byte, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(sessionHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotAuthenticated)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	return respBody, nil
}

// doWithRetry performs a request with exponential backoff retry on
// retryable errors.
func (c *Client) doWithRetry(ctx context.Context, method, path, token string, query url.Values, payload any) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, method, path, token, query, payload)
		if err == nil {
			return body, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// getJSON performs a GET with retries and unmarshals the response.
func (c *Client) getJSON(ctx context.Context, path, token string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, token, query, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// postJSON performs a POST with retries and unmarshals the response when
// result is non-nil.
func (c *Client) postJSON(ctx context.Context, path, token string, payload, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodPost, path, token, nil, payload)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
