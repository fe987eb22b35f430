package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rustory-sh/rustory/internal/core"
	"github.com/rustory-sh/rustory/internal/syncengine"
)

// payloadTooLargeError is recognised by syncengine.IsPayloadTooLargeError.
type payloadTooLargeError struct {
	status int
}

func (e *payloadTooLargeError) Error() string {
	return fmt.Sprintf("http %d: payload too large", e.status)
}
func (e *payloadTooLargeError) PayloadTooLarge() bool { return true }

// Client drives the HTTP peer protocol against one remote base URL, with
// retries on transport errors and 408/429/5xx, mirroring
// original_source's exponential backoff shape but never retrying on 413 —
// that recovery belongs to the sync engine's adaptive batching.
type Client struct {
	baseURL    string
	underlying *retryablehttp.Client
}

// NewClient builds a retrying HTTP client for baseURL. attempts, timeoutBase
// and backoffBase follow spec.md §6's --req-attempts/--req-timeout-base-sec/
// --req-backoff-base-ms flags. attempts counts the first try. Every attempt
// uses timeoutBase as its timeout; the timeout does not grow between
// attempts and no timeout cap is applied.
func NewClient(baseURL string, attempts int, timeoutBase, backoffBase time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = attempts - 1
	if rc.RetryMax < 0 {
		rc.RetryMax = 0
	}
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeoutBase
	rc.CheckRetry = checkRetry
	rc.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		d := backoffBase * time.Duration(math.Pow(2, float64(attemptNum)))
		if d > max {
			return max
		}
		return d
	}

	return &Client{baseURL: NormalizePeerKey(baseURL), underlying: rc}
}

// NormalizePeerKey strips a single trailing slash so "http://h:p" and
// "http://h:p/" share one cursor, per spec.md §4.3.
func NormalizePeerKey(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/")
}

// checkRetry retries only on transport errors or 408/429/5xx; 413 is never
// retried here so the sync engine's halving logic always sees it.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return false, nil
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true, nil
	case http.StatusRequestEntityTooLarge:
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Pull implements syncengine.Puller.
func (c *Client) Pull(ctx context.Context, cursor int64, limit int) (syncengine.PullResult, error) {
	url := fmt.Sprintf("%s/api/v1/entries?cursor=%d&limit=%d", c.baseURL, cursor, limit)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return syncengine.PullResult{}, fmt.Errorf("build pull request: %w", err)
	}

	resp, err := c.underlying.Do(req)
	if err != nil {
		return syncengine.PullResult{}, fmt.Errorf("pull request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return syncengine.PullResult{}, &payloadTooLargeError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return syncengine.PullResult{}, fmt.Errorf("pull request to %s: unexpected status %d", c.baseURL, resp.StatusCode)
	}

	var body pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return syncengine.PullResult{}, fmt.Errorf("decode pull response: %w", err)
	}
	return syncengine.PullResult{Entries: body.Entries, NextCursor: body.NextCursor}, nil
}

// Push implements syncengine.Pusher.
func (c *Client) Push(ctx context.Context, entries []core.Entry) error {
	payload, err := json.Marshal(pushRequestEnvelope{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	url := c.baseURL + "/api/v1/entries"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.underlying.Do(req)
	if err != nil {
		return fmt.Errorf("push request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return &payloadTooLargeError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push request to %s: unexpected status %d", c.baseURL, resp.StatusCode)
	}

	var body pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode push response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("push request to %s: server reported not ok", c.baseURL)
	}
	return nil
}

// Ping checks GET /api/v1/ping.
func (c *Client) Ping(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.underlying.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: unexpected status %d", c.baseURL, resp.StatusCode)
	}
	return nil
}

// BaseURL returns the normalized peer key used for cursor bookkeeping.
func (c *Client) BaseURL() string { return c.baseURL }
