package channels

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/poller"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) waitForText(t *testing.T, substr string) tgbotapi.MessageConfig {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		for _, msg := range f.sent {
			if strings.Contains(msg.Text, substr) {
				f.mu.Unlock()
				return msg
			}
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("no message containing %q", substr)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newTestChannel(t *testing.T) (*TelegramChannel, *fakeSender, *bus.Bus, *persistence.Store) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fanlane.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ch := NewTelegramChannel(config.TelegramConfig{
		Token:   "test-token",
		ChatIDs: []int64{42, 43},
	}, store, b, nil)
	out := &fakeSender{}
	ch.out = out
	return ch, out, b, store
}

func TestNotifyLoop_TaskFailure(t *testing.T) {
	ch, out, b, _ := newTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.notifyLoop(ctx)

	// Subscription setup races with the publish; give the loop a moment.
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.TopicTaskFailed, bus.TaskTerminalEvent{
		TaskID:     "t-1",
		PlatformID: "acct-1",
		TaskType:   "POST_CONTENT",
		Status:     "FAILED",
		Error:      "rate limited",
	})

	msg := out.waitForText(t, "rate limited")
	if !strings.Contains(msg.Text, "t-1") {
		t.Fatalf("alert text = %q", msg.Text)
	}

	// Both operator chats receive the alert.
	out.waitForText(t, "rate limited")
	out.mu.Lock()
	defer out.mu.Unlock()
	chats := map[int64]bool{}
	for _, m := range out.sent {
		chats[m.ChatID] = true
	}
	if !chats[42] || !chats[43] {
		t.Fatalf("alert chats = %v, want 42 and 43", chats)
	}
}

func TestNotifyLoop_SessionRecapture(t *testing.T) {
	ch, out, b, _ := newTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.notifyLoop(ctx)

	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.TopicSessionRecaptureNeeded, bus.SessionEvent{
		PlatformID: "acct-f1",
		Reason:     "probe_failed",
	})
	msg := out.waitForText(t, "needs recapture")
	if !strings.Contains(msg.Text, "acct-f1") || !strings.Contains(msg.Text, "probe_failed") {
		t.Fatalf("alert text = %q", msg.Text)
	}
}

func TestHandleCommand_Status(t *testing.T) {
	ch, out, _, store := newTestChannel(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, persistence.NewTask{
		PlatformID: "acct-1", ClientID: "c-1", TaskType: "POST_CONTENT",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.StartTask(ctx, id); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := store.CompleteTask(ctx, id, `{"success":true}`); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	ch.handleCommand(ctx, &tgbotapi.Message{
		Text: "/status",
		Chat: &tgbotapi.Chat{ID: 42},
	})
	msg := out.waitForText(t, "1 completed")
	if msg.ChatID != 42 {
		t.Fatalf("reply chat = %d, want 42", msg.ChatID)
	}

	ch.handleCommand(ctx, &tgbotapi.Message{
		Text: "/tasks acct-1",
		Chat: &tgbotapi.Chat{ID: 42},
	})
	out.waitForText(t, id)

	ch.handleCommand(ctx, &tgbotapi.Message{
		Text: "/bogus",
		Chat: &tgbotapi.Chat{ID: 42},
	})
	out.waitForText(t, "Commands:")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in  string
		cmd string
		arg string
	}{
		{"/status", "status", ""},
		{"/tasks acct-1", "tasks", "acct-1"},
		{"/status@fanlane_bot", "status", ""},
		{"  /TASKS  acct-2 ", "tasks", "acct-2"},
		{"hello there", "", ""},
		{"", "", ""},
	}
	for _, tc := range tests {
		cmd, arg := parseCommand(tc.in)
		if cmd != tc.cmd || arg != tc.arg {
			t.Fatalf("parseCommand(%q) = (%q, %q), want (%q, %q)", tc.in, cmd, arg, tc.cmd, tc.arg)
		}
	}
}

func TestFormatSessionAlert(t *testing.T) {
	se := bus.SessionEvent{PlatformID: "acct-f1", Reason: "max_age"}
	if got := formatSessionAlert(bus.TopicSessionCaptured, se); got != "" {
		t.Fatalf("captured sessions should not alert, got %q", got)
	}
	if got := formatSessionAlert(bus.TopicSessionInvalidated, se); !strings.Contains(got, "invalidated") {
		t.Fatalf("invalidated alert = %q", got)
	}
}

func TestFormatActivity(t *testing.T) {
	rec := poller.ActivityRecord{
		PlatformID: "acct-1",
		Event: platform.ActivityEvent{
			Type:        platform.ActivityNewPledge,
			Username:    "ada",
			AmountCents: 1250,
			TierName:    "Backstage",
		},
	}
	got := formatActivity(rec)
	if !strings.Contains(got, "ada") || !strings.Contains(got, "$12.50") || !strings.Contains(got, "Backstage") {
		t.Fatalf("activity text = %q", got)
	}

	rec.Event.Type = platform.ActivityNewMessage
	if got := formatActivity(rec); got != "" {
		t.Fatalf("messages should not alert, got %q", got)
	}
}
