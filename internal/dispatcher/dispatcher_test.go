package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
)

type stubAdapter struct {
	name    string
	calls   atomic.Int64
	fail    error
	panicOn bool
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) CredentialRequirements() []string { return nil }
func (s *stubAdapter) ValidateCredentials(creds map[string]string) bool { return true }
func (s *stubAdapter) Initialize(ctx context.Context, platformID string, creds map[string]string) error {
	return nil
}

func (s *stubAdapter) exec(req platform.TaskRequest) platform.Result {
	s.calls.Add(1)
	if s.panicOn {
		panic("selector pack corrupted")
	}
	if s.fail != nil {
		return platform.Failure(s.name, req.Type, s.fail)
	}
	return platform.Success(s.name, req.Type, "entity-7", map[string]any{"echo": req.Content})
}

func (s *stubAdapter) PostContent(ctx context.Context, req platform.TaskRequest) platform.Result {
	return s.exec(req)
}
func (s *stubAdapter) SendDM(ctx context.Context, req platform.TaskRequest) platform.Result {
	return s.exec(req)
}
func (s *stubAdapter) AdjustPricing(ctx context.Context, req platform.TaskRequest) platform.Result {
	return s.exec(req)
}
func (s *stubAdapter) SchedulePost(ctx context.Context, req platform.TaskRequest) platform.Result {
	return s.exec(req)
}
func (s *stubAdapter) FetchMetrics(ctx context.Context, req platform.TaskRequest) platform.Result {
	return s.exec(req)
}
func (s *stubAdapter) FetchActivity(ctx context.Context, platformID string, since time.Time) ([]platform.ActivityEvent, error) {
	return nil, nil
}

func testConfig() config.Config {
	return config.Config{
		Accounts: []config.AccountConfig{
			{PlatformID: "acct-1", ClientID: "client-1", Platform: "patreon"},
			{PlatformID: "acct-2", ClientID: "client-1", Platform: "fanforge"},
		},
	}
}

func newTestDispatcher(t *testing.T, adapters ...platform.Adapter) (*Dispatcher, *persistence.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fanlane.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reg := platform.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	d, err := New(store, reg, testConfig(), b, nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, store, b
}

func eventStates(t *testing.T, store *persistence.Store, taskID string) []string {
	t.Helper()
	events, err := store.ListTaskEvents(context.Background(), taskID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	states := make([]string, 0, len(events))
	for _, ev := range events {
		states = append(states, string(ev.StateTo))
	}
	return states
}

func TestExecuteTask_Success(t *testing.T) {
	adapter := &stubAdapter{name: "patreon"}
	d, store, _ := newTestDispatcher(t, adapter)

	task, err := d.ExecuteTask(context.Background(), Submission{
		PlatformID: "acct-1",
		TaskType:   platform.TaskPostContent,
		Payload:    json.RawMessage(`{"content":"hello"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", task.Status)
	}
	if task.Result == "" || !strings.Contains(task.Result, `"success":true`) {
		t.Fatalf("result = %q, want success envelope", task.Result)
	}
	if adapter.calls.Load() != 1 {
		t.Fatalf("adapter called %d times, want 1", adapter.calls.Load())
	}

	states := eventStates(t, store, task.ID)
	want := []string{"PENDING", "IN_PROGRESS", "COMPLETED"}
	if len(states) != len(want) {
		t.Fatalf("event states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("event states = %v, want %v", states, want)
		}
	}
}

func TestExecuteTask_UnknownAccountFailsWithoutStarting(t *testing.T) {
	adapter := &stubAdapter{name: "patreon"}
	d, store, _ := newTestDispatcher(t, adapter)

	task, err := d.ExecuteTask(context.Background(), Submission{
		PlatformID: "acct-ghost",
		TaskType:   platform.TaskPostContent,
		Payload:    json.RawMessage(`{"content":"hello"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if adapter.calls.Load() != 0 {
		t.Fatalf("adapter called on rejected task")
	}
	for _, st := range eventStates(t, store, task.ID) {
		if st == "IN_PROGRESS" {
			t.Fatalf("rejected task recorded an IN_PROGRESS state")
		}
	}
}

func TestExecuteTask_NoAdapterRegistered(t *testing.T) {
	// Only patreon is registered; acct-2 maps to fanforge.
	d, _, _ := newTestDispatcher(t, &stubAdapter{name: "patreon"})

	task, err := d.ExecuteTask(context.Background(), Submission{
		PlatformID: "acct-2",
		TaskType:   platform.TaskPostContent,
		Payload:    json.RawMessage(`{"content":"hello"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if !strings.Contains(task.Error, "no adapter registered") {
		t.Fatalf("error = %q", task.Error)
	}
}

func TestExecuteTask_PayloadSchemaRejection(t *testing.T) {
	adapter := &stubAdapter{name: "patreon"}
	d, _, _ := newTestDispatcher(t, adapter)

	tests := []struct {
		name     string
		taskType platform.TaskType
		payload  string
	}{
		{"post without content", platform.TaskPostContent, `{}`},
		{"dm without recipients", platform.TaskSendDM, `{"content":"hi"}`},
		{"pricing without amount", platform.TaskAdjustPricing, `{"pricing_data":{"tier_id":"t1"}}`},
		{"schedule without time", platform.TaskSchedulePost, `{"content":"hi"}`},
		{"not json", platform.TaskPostContent, `{"content":`},
	}
	for _, tc := range tests {
		task, err := d.ExecuteTask(context.Background(), Submission{
			PlatformID: "acct-1",
			TaskType:   tc.taskType,
			Payload:    json.RawMessage(tc.payload),
		})
		if err != nil {
			t.Fatalf("%s: ExecuteTask: %v", tc.name, err)
		}
		if task.Status != persistence.TaskStatusFailed {
			t.Fatalf("%s: status = %s, want FAILED", tc.name, task.Status)
		}
	}
	if adapter.calls.Load() != 0 {
		t.Fatalf("adapter called %d times on invalid payloads", adapter.calls.Load())
	}
}

func TestExecuteTask_AdapterFailure(t *testing.T) {
	adapter := &stubAdapter{
		name: "patreon",
		fail: platform.NewError(platform.ErrKindRateLimit, "post", "throttled after retries"),
	}
	d, store, _ := newTestDispatcher(t, adapter)

	task, err := d.ExecuteTask(context.Background(), Submission{
		PlatformID: "acct-1",
		TaskType:   platform.TaskPostContent,
		Payload:    json.RawMessage(`{"content":"hello"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if !strings.Contains(task.Error, "throttled") {
		t.Fatalf("error = %q", task.Error)
	}
	if !strings.Contains(task.Result, string(platform.ErrKindRateLimit)) {
		t.Fatalf("result = %q, want error kind recorded", task.Result)
	}

	states := eventStates(t, store, task.ID)
	if len(states) != 3 || states[1] != "IN_PROGRESS" || states[2] != "FAILED" {
		t.Fatalf("event states = %v", states)
	}
}

func TestExecuteTask_PanicIsContained(t *testing.T) {
	adapter := &stubAdapter{name: "patreon", panicOn: true}
	d, _, _ := newTestDispatcher(t, adapter)

	task, err := d.ExecuteTask(context.Background(), Submission{
		PlatformID: "acct-1",
		TaskType:   platform.TaskPostContent,
		Payload:    json.RawMessage(`{"content":"hello"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if !strings.Contains(task.Error, "panic") {
		t.Fatalf("error = %q, want panic recorded", task.Error)
	}
}

func TestExecuteTask_PublishesTerminalEvent(t *testing.T) {
	adapter := &stubAdapter{name: "patreon"}
	d, _, b := newTestDispatcher(t, adapter)
	sub := b.Subscribe(bus.TopicTaskCompleted)

	task, err := d.ExecuteTask(context.Background(), Submission{
		PlatformID: "acct-1",
		TaskType:   platform.TaskPostContent,
		Payload:    json.RawMessage(`{"content":"hello"}`),
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		te := ev.Payload.(bus.TaskTerminalEvent)
		if te.TaskID != task.ID || te.Status != "COMPLETED" {
			t.Fatalf("terminal event = %+v", te)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal event published")
	}
}

func TestExecuteRecommendation_FanOut(t *testing.T) {
	adapter := &stubAdapter{name: "patreon"}
	d, _, _ := newTestDispatcher(t, adapter)

	rec := Recommendation{
		RecommendationID: "rec-1",
		StrategyID:       "strat-1",
		Actions: []Submission{
			{PlatformID: "acct-1", TaskType: platform.TaskPostContent, Payload: json.RawMessage(`{"content":"a"}`)},
			{PlatformID: "acct-1", TaskType: platform.TaskSendDM, Payload: json.RawMessage(`{"content":"b","recipients":["u-1"]}`)},
			{PlatformID: "acct-1", TaskType: platform.TaskPostContent, Payload: json.RawMessage(`{}`)}, // invalid
		},
	}
	tasks, err := d.ExecuteRecommendation(context.Background(), rec)
	if err != nil {
		t.Fatalf("ExecuteRecommendation: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	var completed, failed int
	for _, task := range tasks {
		if task.RecommendationID != "rec-1" || task.StrategyID != "strat-1" {
			t.Fatalf("task %s missing recommendation linkage: %+v", task.ID, task)
		}
		switch task.Status {
		case persistence.TaskStatusCompleted:
			completed++
		case persistence.TaskStatusFailed:
			failed++
		}
	}
	if completed != 2 || failed != 1 {
		t.Fatalf("completed=%d failed=%d, want 2/1", completed, failed)
	}

	if _, err := d.ExecuteRecommendation(context.Background(), Recommendation{RecommendationID: "rec-2"}); err == nil {
		t.Fatalf("empty recommendation accepted")
	}
}

func TestExecuteRecommendation_ExpandsAccountScopedActions(t *testing.T) {
	patreon := &stubAdapter{name: "patreon"}
	fanforge := &stubAdapter{name: "fanforge"}
	d, _, _ := newTestDispatcher(t, patreon, fanforge)

	// The action names no account, so it runs once per account connected
	// for the client.
	rec := Recommendation{
		RecommendationID: "rec-3",
		StrategyID:       "strat-2",
		ClientID:         "client-1",
		Actions: []Submission{
			{TaskType: platform.TaskPostContent, Payload: json.RawMessage(`{"content":"broadcast"}`)},
		},
	}
	tasks, err := d.ExecuteRecommendation(context.Background(), rec)
	if err != nil {
		t.Fatalf("ExecuteRecommendation: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want one per connected account", len(tasks))
	}
	seen := map[string]bool{}
	for _, task := range tasks {
		seen[task.PlatformID] = true
		if task.Status != persistence.TaskStatusCompleted {
			t.Fatalf("task %s status = %s", task.ID, task.Status)
		}
		if task.RecommendationID != "rec-3" || task.StrategyID != "strat-2" {
			t.Fatalf("task %s missing recommendation linkage", task.ID)
		}
	}
	if !seen["acct-1"] || !seen["acct-2"] {
		t.Fatalf("expanded accounts = %v, want acct-1 and acct-2", seen)
	}
	if patreon.calls.Load() != 1 || fanforge.calls.Load() != 1 {
		t.Fatalf("adapter calls = %d/%d, want 1/1", patreon.calls.Load(), fanforge.calls.Load())
	}

	_, err = d.ExecuteRecommendation(context.Background(), Recommendation{
		RecommendationID: "rec-4",
		ClientID:         "client-ghost",
		Actions:          []Submission{{TaskType: platform.TaskPostContent, Payload: json.RawMessage(`{"content":"x"}`)}},
	})
	if err == nil {
		t.Fatalf("expansion for a client with no accounts accepted")
	}
}

func TestListTasks_Delegates(t *testing.T) {
	adapter := &stubAdapter{name: "patreon"}
	d, _, _ := newTestDispatcher(t, adapter)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.ExecuteTask(ctx, Submission{
			PlatformID: "acct-1", TaskType: platform.TaskPostContent,
			Payload: json.RawMessage(`{"content":"x"}`),
		}); err != nil {
			t.Fatalf("ExecuteTask: %v", err)
		}
	}
	tasks, err := d.ListTasks(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	got, err := d.GetTask(ctx, tasks[0].ID)
	if err != nil || got == nil {
		t.Fatalf("GetTask: %v %v", got, err)
	}
	if missing, err := d.GetTask(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("GetTask(unknown) = %v, %v", missing, err)
	}
}
