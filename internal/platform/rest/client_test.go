package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumenhq/fanlane/internal/platform"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(Config{BaseURL: baseURL, MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestDoJSON_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q, want application/json", r.Header.Get("Accept"))
		}
		w.Write([]byte(`{"id":"post-42"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	if err := newTestClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/posts", nil, &out); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.ID != "post-42" {
		t.Fatalf("out.ID = %q, want post-42", out.ID)
	}
}

func TestDoJSON_RetriesThrottleThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if err := newTestClient(t, srv.URL).DoJSON(context.Background(), http.MethodPost, "/posts", map[string]string{"content": "hi"}, nil); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if calls != 3 {
		t.Fatalf("server saw %d calls, want 3", calls)
	}
}

func TestDoJSON_OnRetryHookFires(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var attempts []int
	c := New(Config{
		BaseURL:    srv.URL,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		OnRetry: func(ctx context.Context, attempt int, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}, nil, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if err := c.DoJSON(context.Background(), http.MethodGet, "/identity", nil, nil); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Fatalf("OnRetry attempts = %v, want [1]", attempts)
	}
}

func TestDoJSON_ExhaustsRetriesOnGatewayErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/metrics", nil, nil)
	if err == nil {
		t.Fatalf("DoJSON succeeded, want error")
	}
	if kind := platform.KindOf(err); kind != platform.ErrKindTransient {
		t.Fatalf("error kind = %s, want %s", kind, platform.ErrKindTransient)
	}
	if calls != 4 { // first attempt plus three retries
		t.Fatalf("server saw %d calls, want 4", calls)
	}
}

func TestDoJSON_AuthFailureIsFinal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).DoJSON(context.Background(), http.MethodGet, "/identity", nil, nil)
	if kind := platform.KindOf(err); kind != platform.ErrKindAuthentication {
		t.Fatalf("error kind = %s, want %s", kind, platform.ErrKindAuthentication)
	}
	if calls != 1 {
		t.Fatalf("server saw %d calls, want 1", calls)
	}
}

func TestDoJSON_ServerErrorWithBodyIsFinal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"tier locked"}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).DoJSON(context.Background(), http.MethodPatch, "/tiers/1", nil, nil)
	if err == nil {
		t.Fatalf("DoJSON succeeded, want error")
	}
	if kind := platform.KindOf(err); kind != platform.ErrKindInternal {
		t.Fatalf("error kind = %s, want %s", kind, platform.ErrKindInternal)
	}
	if calls != 1 {
		t.Fatalf("server saw %d calls, want 1", calls)
	}
	if !strings.Contains(err.Error(), "tier locked") {
		t.Fatalf("error %q does not carry server body", err)
	}
}

func TestDoJSON_BadRequestIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"content required"}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).DoJSON(context.Background(), http.MethodPost, "/posts", nil, nil)
	if kind := platform.KindOf(err); kind != platform.ErrKindValidation {
		t.Fatalf("error kind = %s, want %s", kind, platform.ErrKindValidation)
	}
}

func TestRetryDelay(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"7"}}}
	if got := RetryDelay(resp); got != 7*time.Second {
		t.Fatalf("RetryDelay(header) = %v, want 7s", got)
	}

	body := `{"error":{"code":429,"details":[{"reason":"rateLimitExceeded","retryDelay":"2.5s"}]}}`
	resp = &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader(body))}
	if got := RetryDelay(resp); got != 2500*time.Millisecond {
		t.Fatalf("RetryDelay(body) = %v, want 2.5s", got)
	}
	// Body must remain readable after parsing.
	rest, _ := io.ReadAll(resp.Body)
	if string(rest) != body {
		t.Fatalf("body not restored after parse")
	}

	resp = &http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("plain text"))}
	if got := RetryDelay(resp); got != 0 {
		t.Fatalf("RetryDelay(no hint) = %v, want 0", got)
	}
}
