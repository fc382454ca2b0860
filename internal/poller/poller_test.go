package poller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
)

type fakeAdapter struct {
	name string

	mu       sync.Mutex
	events   []platform.ActivityEvent
	fetchErr error
	sinces   []time.Time
	block    chan struct{} // when set, FetchActivity waits on it
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) CredentialRequirements() []string { return nil }
func (f *fakeAdapter) ValidateCredentials(map[string]string) bool { return true }
func (f *fakeAdapter) Initialize(context.Context, string, map[string]string) error {
	return nil
}
func (f *fakeAdapter) PostContent(ctx context.Context, req platform.TaskRequest) platform.Result {
	return platform.Success(f.name, req.Type, "", nil)
}
func (f *fakeAdapter) SendDM(ctx context.Context, req platform.TaskRequest) platform.Result {
	return platform.Success(f.name, req.Type, "", nil)
}
func (f *fakeAdapter) AdjustPricing(ctx context.Context, req platform.TaskRequest) platform.Result {
	return platform.Success(f.name, req.Type, "", nil)
}
func (f *fakeAdapter) SchedulePost(ctx context.Context, req platform.TaskRequest) platform.Result {
	return platform.Success(f.name, req.Type, "", nil)
}
func (f *fakeAdapter) FetchMetrics(ctx context.Context, req platform.TaskRequest) platform.Result {
	return platform.Success(f.name, req.Type, "", nil)
}

func (f *fakeAdapter) FetchActivity(ctx context.Context, platformID string, since time.Time) ([]platform.ActivityEvent, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	block := f.block
	events, fetchErr := f.events, f.fetchErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return events, fetchErr
}

func (f *fakeAdapter) sinceAt(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinces[i]
}

func newTestPoller(t *testing.T, adapter *fakeAdapter) (*Poller, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fanlane.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := platform.NewRegistry()
	if err := reg.Register(adapter); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := config.Config{
		Accounts: []config.AccountConfig{
			{PlatformID: "acct-1", ClientID: "client-1", Platform: adapter.name},
		},
	}
	return New(store, reg, cfg, b, nil, nil), b
}

func activityEvent(ts time.Time) platform.ActivityEvent {
	return platform.ActivityEvent{
		Type:      platform.ActivityNewPledge,
		UserID:    "u-1",
		Username:  "ada",
		Timestamp: ts,
	}
}

func TestPoll_EmitsNewEvents(t *testing.T) {
	now := time.Now().UTC()
	adapter := &fakeAdapter{
		name: "patreon",
		events: []platform.ActivityEvent{
			activityEvent(now.Add(-time.Minute)),
			activityEvent(now.Add(-2 * time.Minute)),
			activityEvent(now.Add(-48 * time.Hour)), // before default lookback
		},
	}
	p, b := newTestPoller(t, adapter)
	sub := b.Subscribe(bus.TopicActivityEvent)
	summary := b.Subscribe(bus.TopicActivityPoll)

	res, err := p.Poll(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Emitted != 2 {
		t.Fatalf("emitted = %d, want 2", res.Emitted)
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			rec := ev.Payload.(ActivityRecord)
			if rec.PlatformID != "acct-1" || rec.ClientID != "client-1" {
				t.Fatalf("record = %+v", rec)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("activity event %d not published", i)
		}
	}
	select {
	case ev := <-summary.Ch():
		pe := ev.Payload.(bus.ActivityPollEvent)
		if pe.Emitted != 2 {
			t.Fatalf("summary emitted = %d, want 2", pe.Emitted)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poll summary not published")
	}
}

func TestPoll_CursorAdvancesBeforeFetch(t *testing.T) {
	adapter := &fakeAdapter{name: "patreon", fetchErr: errors.New("boom")}
	p, _ := newTestPoller(t, adapter)
	ctx := context.Background()

	start := time.Now().UTC()
	res, err := p.Poll(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.FetchError == "" {
		t.Fatalf("fetch failure not recorded in result")
	}

	// The failed fetch must still have moved the cursor: the second poll
	// queries from the first poll's start, not from the old window.
	adapter.mu.Lock()
	adapter.fetchErr = nil
	adapter.mu.Unlock()
	if _, err := p.Poll(ctx, "acct-1"); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if since := adapter.sinceAt(1); since.Before(start) {
		t.Fatalf("second poll since = %v, want >= %v", since, start)
	}
}

func TestPoll_FetchFailureIsRecordedNotRaised(t *testing.T) {
	adapter := &fakeAdapter{name: "patreon", fetchErr: errors.New("upstream down")}
	p, b := newTestPoller(t, adapter)
	summary := b.Subscribe(bus.TopicActivityPoll)

	res, err := p.Poll(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Poll raised a platform failure: %v", err)
	}
	if res.Emitted != 0 || res.FetchError != "upstream down" {
		t.Fatalf("result = %+v", res)
	}

	select {
	case ev := <-summary.Ch():
		pe := ev.Payload.(bus.ActivityPollEvent)
		if pe.Error != "upstream down" || pe.Emitted != 0 {
			t.Fatalf("summary = %+v", pe)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poll summary not published")
	}
}

func TestPoll_OnlyOneInFlight(t *testing.T) {
	adapter := &fakeAdapter{name: "patreon", block: make(chan struct{})}
	p, _ := newTestPoller(t, adapter)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		p.Poll(ctx, "acct-1")
		close(done)
	}()

	// Wait until the first poll is inside the fetch, then race a second one.
	deadline := time.After(2 * time.Second)
	for {
		adapter.mu.Lock()
		started := len(adapter.sinces) > 0
		adapter.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("first poll never reached fetch")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if _, err := p.Poll(ctx, "acct-1"); !errors.Is(err, ErrPollInFlight) {
		t.Fatalf("overlapping poll err = %v, want ErrPollInFlight", err)
	}
	close(adapter.block)
	<-done

	// The slot frees up once the first poll returns.
	adapter.mu.Lock()
	adapter.block = nil
	adapter.mu.Unlock()
	if _, err := p.Poll(ctx, "acct-1"); err != nil {
		t.Fatalf("poll after release: %v", err)
	}
}

func TestPoll_UnknownAccount(t *testing.T) {
	p, _ := newTestPoller(t, &fakeAdapter{name: "patreon"})
	if _, err := p.Poll(context.Background(), "acct-ghost"); err == nil {
		t.Fatalf("Poll accepted unknown account")
	}
}

func TestScheduler_FiresDueEntries(t *testing.T) {
	adapter := &fakeAdapter{name: "patreon"}
	p, _ := newTestPoller(t, adapter)

	s, err := NewScheduler(SchedulerConfig{
		Poller: p,
		Schedules: []config.ScheduleConfig{
			{PlatformID: "acct-1", Cron: "* * * * *"},
		},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Force the entry due and tick manually.
	s.entries[0].nextRun = time.Now().Add(-time.Second)
	s.tick(context.Background(), time.Now())

	adapter.mu.Lock()
	polls := len(adapter.sinces)
	adapter.mu.Unlock()
	if polls != 1 {
		t.Fatalf("polls = %d, want 1", polls)
	}
	if !s.entries[0].nextRun.After(time.Now().Add(-time.Second)) {
		t.Fatalf("nextRun not recomputed: %v", s.entries[0].nextRun)
	}
}

func TestScheduler_RejectsBadCron(t *testing.T) {
	p, _ := newTestPoller(t, &fakeAdapter{name: "patreon"})
	if _, err := NewScheduler(SchedulerConfig{
		Poller:    p,
		Schedules: []config.ScheduleConfig{{PlatformID: "acct-1", Cron: "not a cron"}},
	}); err == nil {
		t.Fatalf("NewScheduler accepted invalid expression")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 12 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatalf("NextRunTime accepted invalid expression")
	}
}
