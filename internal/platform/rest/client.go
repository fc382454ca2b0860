// Package rest provides the shared HTTP client REST adapters build on:
// bearer-token auth sourced from the credential vault, bounded retries with
// exponential backoff and jitter, and classified errors.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/shared"
)

// Config tunes one platform's REST client.
type Config struct {
	BaseURL     string
	UserAgent   string
	MaxRetries  int           // retries after the first attempt
	BaseDelay   time.Duration // backoff base
	MaxDelay    time.Duration // backoff cap
	CallTimeout time.Duration // per-attempt timeout

	// OnRetry, when set, is invoked before each retry wait.
	OnRetry func(ctx context.Context, attempt int, delay time.Duration)
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Client is a retrying JSON-over-HTTP client bound to one platform account.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens oauth2.TokenSource
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a client. tokens may be nil for unauthenticated endpoints.
func New(cfg Config, tokens oauth2.TokenSource, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.CallTimeout},
		tokens: tokens,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DoJSON sends a JSON request and decodes a JSON response into out (which may
// be nil). Transport failures, 429 and upstream 5xx gateway statuses are
// retried with exponential backoff; a Retry-After header overrides the
// computed delay. A 500 carrying a JSON error body is treated as final.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return platform.WrapError(platform.ErrKindValidation, "encode request", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if ra, ok := lastErr.(*retryAfterError); ok && ra.delay > 0 {
				delay = ra.delay
			}
			c.logger.Debug("retrying request",
				"method", method, "path", path,
				"attempt", attempt, "delay_ms", delay.Milliseconds(),
				"trace_id", shared.TraceID(ctx))
			if c.cfg.OnRetry != nil {
				c.cfg.OnRetry(ctx, attempt, delay)
			}
			if err := c.sleep(ctx, delay); err != nil {
				return platform.WrapError(platform.ErrKindTransient, "retry wait", err)
			}
		}

		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !retryableAttempt(err) {
			return unwrapRetryAfter(err)
		}
		lastErr = err
	}
	return unwrapRetryAfter(lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return platform.WrapError(platform.ErrKindValidation, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return platform.WrapError(platform.ErrKindAuthentication, "token source", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return platform.WrapError(platform.ErrKindTransient, method+" "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return platform.WrapError(platform.ErrKindInternal, "decode response", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return platform.NewError(platform.ErrKindAuthentication, method+" "+path, "status %d: %s", resp.StatusCode, readErrorBody(resp))
	case resp.StatusCode == http.StatusTooManyRequests:
		return &retryAfterError{
			err:   platform.NewError(platform.ErrKindRateLimit, method+" "+path, "status 429: %s", readErrorBody(resp)),
			delay: RetryDelay(resp),
		}
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return &retryAfterError{
			err:   platform.NewError(platform.ErrKindTransient, method+" "+path, "status %d: %s", resp.StatusCode, readErrorBody(resp)),
			delay: RetryDelay(resp),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return platform.NewError(platform.ErrKindValidation, method+" "+path, "status %d: %s", resp.StatusCode, readErrorBody(resp))
	default:
		// 500 lands here and is final: unlike 502/503/504 it usually means
		// the request itself broke the handler, so replaying it won't help.
		return platform.NewError(platform.ErrKindInternal, method+" "+path, "status %d: %s", resp.StatusCode, readErrorBody(resp))
	}
}

// backoff returns base*2^(attempt-1) capped at MaxDelay, with ±25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << (attempt - 1)
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

func readErrorBody(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(b) == 0 {
		return resp.Status
	}
	return shared.Redact(string(b))
}

// retryAfterError pairs a classified error with the server-suggested delay.
type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func retryableAttempt(err error) bool {
	if _, ok := err.(*retryAfterError); ok {
		return true
	}
	return platform.Retryable(err)
}

func unwrapRetryAfter(err error) error {
	if ra, ok := err.(*retryAfterError); ok {
		return ra.err
	}
	if err == nil {
		return fmt.Errorf("request failed with no recorded error")
	}
	return err
}
