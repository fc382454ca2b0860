package patreon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/platform/rest"
	"github.com/lumenhq/fanlane/internal/vault"
)

const acct = "acct-p1"

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fanlane.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	v, err := vault.New("patreon-test-master-secret", store, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if err := v.Store(context.Background(), acct, map[string]string{
		rest.FieldAccessToken: "tok-p",
		rest.FieldExpiresAt:   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	return v
}

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	retry := config.RetryConfig{MaxRetries: 1, BaseDelayMs: 1, MaxDelayMs: 2, CallTimeoutMs: 5000}
	return New(newTestVault(t), retry, nil, Options{BaseURL: baseURL, TokenURL: baseURL + "/token"})
}

func newPatreonServer(t *testing.T) (*httptest.Server, *map[string]int) {
	t.Helper()
	hits := map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		hits["identity"]++
		if r.Header.Get("Authorization") != "Bearer tok-p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("include") == "campaign" {
			w.Write([]byte(`{"data":{"id":"user-1","type":"user"},"included":[{"id":"c-1","type":"campaign"}]}`))
			return
		}
		w.Write([]byte(`{"data":{"id":"user-1","type":"user"}}`))
	})
	mux.HandleFunc("/campaigns/c-1/posts", func(w http.ResponseWriter, r *http.Request) {
		hits["posts"]++
		w.Write([]byte(`{"data":{"id":"post-9"}}`))
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		hits["messages"]++
		w.Write([]byte(`{"data":{"id":"msg-3"}}`))
	})
	mux.HandleFunc("/campaigns/c-1", func(w http.ResponseWriter, r *http.Request) {
		hits["campaign"]++
		w.Write([]byte(`{"data":{"id":"c-1","attributes":{"patron_count":42,"pledge_sum":123400,"paid_member_count":40}}}`))
	})
	mux.HandleFunc("/campaigns/c-1/pledge-events", func(w http.ResponseWriter, r *http.Request) {
		hits["pledge-events"]++
		hits["since_set"] = 0
		if r.URL.Query().Get("filter[date_min]") != "" {
			hits["since_set"] = 1
		}
		w.Write([]byte(`{"data":[
			{"id":"ev-1","attributes":{"type":"pledge_start","amount_cents":500,"date":"2026-08-29T10:00:00Z","tier_id":"t1","tier_title":"Gold"},"relationships":{"patron":{"data":{"id":"u-1"}}}},
			{"id":"ev-2","attributes":{"type":"pledge_upgrade","amount_cents":1000,"date":"2026-08-29T11:00:00Z"},"relationships":{"patron":{"data":{"id":"u-2"}}}},
			{"id":"ev-3","attributes":{"type":"pledge_delete","amount_cents":0,"date":"2026-08-29T12:00:00Z"},"relationships":{"patron":{"data":{"id":"u-3"}}}},
			{"id":"ev-4","attributes":{"type":"follow","date":"2026-08-29T13:00:00Z"},"relationships":{"patron":{"data":{"id":"u-4"}}}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRetry_PublishesRetryEvent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{"id":"user-1","type":"user"}}`))
	}))
	t.Cleanup(srv.Close)

	b := bus.New()
	retry := config.RetryConfig{MaxRetries: 1, BaseDelayMs: 1, MaxDelayMs: 2, CallTimeoutMs: 5000}
	a := New(newTestVault(t), retry, nil, Options{BaseURL: srv.URL, TokenURL: srv.URL + "/token", Bus: b})

	sub := b.Subscribe(bus.TopicTaskRetrying)
	defer b.Unsubscribe(sub)

	if err := a.Initialize(context.Background(), acct, map[string]string{rest.FieldAccessToken: "tok-p"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		re, ok := ev.Payload.(bus.TaskRetryEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if re.Attempt != 1 {
			t.Fatalf("attempt = %d, want 1", re.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("no retry event published")
	}
}

func TestInitialize(t *testing.T) {
	srv, _ := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	if err := a.Initialize(context.Background(), acct, map[string]string{rest.FieldAccessToken: "tok-p"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Initialize(context.Background(), acct, map[string]string{}); err == nil {
		t.Fatalf("Initialize with empty creds succeeded")
	}
}

func TestPostContent_CachesCampaign(t *testing.T) {
	srv, hits := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	ctx := context.Background()

	req := platform.TaskRequest{PlatformID: acct, Type: platform.TaskPostContent, Content: "hello patrons"}
	res := a.PostContent(ctx, req)
	if !res.Success {
		t.Fatalf("PostContent failed: %s", res.Error)
	}
	if res.EntityID != "post-9" {
		t.Fatalf("entity id = %q, want post-9", res.EntityID)
	}

	if res = a.PostContent(ctx, req); !res.Success {
		t.Fatalf("second PostContent failed: %s", res.Error)
	}
	if (*hits)["identity"] != 1 {
		t.Fatalf("identity called %d times, want 1 (campaign cached)", (*hits)["identity"])
	}
	if (*hits)["posts"] != 2 {
		t.Fatalf("posts called %d times, want 2", (*hits)["posts"])
	}
}

func TestPostContent_EmptyContentIsValidation(t *testing.T) {
	srv, hits := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	res := a.PostContent(context.Background(), platform.TaskRequest{PlatformID: acct, Type: platform.TaskPostContent})
	if res.Success || res.ErrorKind != platform.ErrKindValidation {
		t.Fatalf("result = %+v, want validation failure", res)
	}
	if (*hits)["posts"] != 0 {
		t.Fatalf("posts endpoint hit on invalid request")
	}
}

func TestSendDM_MultipleRecipients(t *testing.T) {
	srv, hits := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	res := a.SendDM(context.Background(), platform.TaskRequest{
		PlatformID: acct,
		Type:       platform.TaskSendDM,
		Content:    "thanks for your support",
		Recipients: []string{"u-1", "u-2", "u-3"},
	})
	if !res.Success {
		t.Fatalf("SendDM failed: %s", res.Error)
	}
	if (*hits)["messages"] != 3 {
		t.Fatalf("messages called %d times, want 3", (*hits)["messages"])
	}
}

func TestAdjustPricing_Unsupported(t *testing.T) {
	srv, _ := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	res := a.AdjustPricing(context.Background(), platform.TaskRequest{PlatformID: acct, Type: platform.TaskAdjustPricing})
	if res.Success || res.ErrorKind != platform.ErrKindUnsupported {
		t.Fatalf("result = %+v, want unsupported failure", res)
	}
}

func TestSchedulePost_RejectsPast(t *testing.T) {
	srv, _ := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	past := time.Now().Add(-time.Hour)
	res := a.SchedulePost(context.Background(), platform.TaskRequest{
		PlatformID: acct, Type: platform.TaskSchedulePost, Content: "later", ScheduledFor: &past,
	})
	if res.Success || res.ErrorKind != platform.ErrKindValidation {
		t.Fatalf("result = %+v, want validation failure", res)
	}
}

func TestFetchMetrics(t *testing.T) {
	srv, _ := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	res := a.FetchMetrics(context.Background(), platform.TaskRequest{PlatformID: acct, Type: platform.TaskFetchMetrics})
	if !res.Success {
		t.Fatalf("FetchMetrics failed: %s", res.Error)
	}
	if res.Metadata["patron_count"] != 42 {
		t.Fatalf("patron_count = %v, want 42", res.Metadata["patron_count"])
	}
	if res.Metadata["pledge_sum_cents"] != 123400 {
		t.Fatalf("pledge_sum_cents = %v, want 123400", res.Metadata["pledge_sum_cents"])
	}
}

func TestFetchActivity_Normalizes(t *testing.T) {
	srv, hits := newPatreonServer(t)
	a := newTestAdapter(t, srv.URL)
	since := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	events, err := a.FetchActivity(context.Background(), acct, since)
	if err != nil {
		t.Fatalf("FetchActivity: %v", err)
	}
	if (*hits)["since_set"] != 1 {
		t.Fatalf("since filter not forwarded to API")
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	wantTypes := []platform.ActivityType{
		platform.ActivityNewPledge,
		platform.ActivityUpdatedPledge,
		platform.ActivityDeletedPledge,
		platform.ActivityOther,
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d type = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[0].UserID != "u-1" || events[0].AmountCents != 500 || events[0].TierName != "Gold" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[0].Timestamp != time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) {
		t.Fatalf("event 0 timestamp = %v", events[0].Timestamp)
	}
}
