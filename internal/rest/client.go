// Package rest is the shared JSON-over-HTTP client behind the data feed and
// venue adapters: bearer auth, a token-bucket rate limit and bounded
// retries on transport errors, 429 and 5xx responses.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/arb-engine/internal/metrics"
)

// StatusError is returned for non-retryable 4xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Code, e.Body)
}

// Retry bounds how often a request is attempted and how long to wait
// between attempts.
type Retry struct {
	Attempts int
	Backoff  func(attempt int) time.Duration
}

// Once performs a single attempt.
var Once = Retry{Attempts: 1}

// Exponential doubles the wait after each failed attempt.
func Exponential(attempts int, base time.Duration) Retry {
	return Retry{Attempts: attempts, Backoff: func(attempt int) time.Duration {
		return time.Duration(math.Pow(2, float64(attempt))) * base
	}}
}

// Linear waits step, 2*step, 3*step... between attempts.
func Linear(attempts int, step time.Duration) Retry {
	return Retry{Attempts: attempts, Backoff: func(attempt int) time.Duration {
		return time.Duration(attempt+1) * step
	}}
}

// Client is a rate-limited JSON client for one upstream.
type Client struct {
	name    string
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client for the API at base, allowing rps requests per
// second with the given burst.
func New(name, base string, rps float64, burst int, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// WithBearer sets the Authorization token sent with every request.
func (c *Client) WithBearer(token string) *Client {
	c.token = token
	return c
}

// Get fetches path with query q and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, q url.Values, r Retry, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.do(ctx, r, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}

// Post sends body as JSON to path. Posts are attempted once: a request
// that reached the server must not be replayed.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.do(ctx, Once, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

func (c *Client) do(ctx context.Context, r Retry, build func() (*http.Request, error), out any) error {
	attempts := max(r.Attempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && r.Backoff != nil {
			if err := sleep(ctx, r.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", c.name, err)
		}

		req, err := build()
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.UpstreamRequests.WithLabelValues(c.name, "error").Inc()
			lastErr = err
			continue
		}
		metrics.UpstreamRequests.WithLabelValues(c.name, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server status %d", resp.StatusCode)
			slog.Warn("upstream request failed", "upstream", c.name, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("%s: %w", c.name, &StatusError{Code: resp.StatusCode, Body: string(body)})
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.name, err)
		}
		return nil
	}
	return fmt.Errorf("%s: request failed after %d attempts: %w", c.name, attempts, lastErr)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
