package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/poller"
)

// sender is the subset of the bot API used for outbound messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel pushes operational alerts to the configured operator chats
// and answers a small set of status commands.
type TelegramChannel struct {
	token      string
	chatIDs    []int64
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	eventBus   *bus.Bus
	logger     *slog.Logger

	bot *tgbotapi.BotAPI
	out sender
}

// NewTelegramChannel creates a new Telegram operator channel.
func NewTelegramChannel(cfg config.TelegramConfig, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.ChatIDs))
	for _, id := range cfg.ChatIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      cfg.Token,
		chatIDs:    cfg.ChatIDs,
		allowedIDs: allowed,
		store:      store,
		eventBus:   eventBus,
		logger:     logger.With("channel", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.out = t.bot

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.notifyLoop(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID,
					"user_name", update.Message.From.UserName,
				)
				continue
			}
			t.handleCommand(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// notifyLoop forwards bus alerts to every operator chat.
func (t *TelegramChannel) notifyLoop(ctx context.Context) {
	taskSub := t.eventBus.Subscribe(bus.TopicTaskFailed)
	sessionSub := t.eventBus.Subscribe("session.")
	activitySub := t.eventBus.Subscribe(bus.TopicActivityEvent)
	defer t.eventBus.Unsubscribe(taskSub)
	defer t.eventBus.Unsubscribe(sessionSub)
	defer t.eventBus.Unsubscribe(activitySub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-taskSub.Ch():
			te, ok := ev.Payload.(bus.TaskTerminalEvent)
			if !ok {
				continue
			}
			t.broadcast(formatTaskFailure(te))
		case ev := <-sessionSub.Ch():
			se, ok := ev.Payload.(bus.SessionEvent)
			if !ok {
				continue
			}
			if msg := formatSessionAlert(ev.Topic, se); msg != "" {
				t.broadcast(msg)
			}
		case ev := <-activitySub.Ch():
			rec, ok := ev.Payload.(poller.ActivityRecord)
			if !ok {
				continue
			}
			if msg := formatActivity(rec); msg != "" {
				t.broadcast(msg)
			}
		}
	}
}

func (t *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd, arg := parseCommand(msg.Text)
	switch cmd {
	case "status":
		t.reply(msg.Chat.ID, t.statusText(ctx))
	case "tasks":
		t.reply(msg.Chat.ID, t.tasksText(ctx, arg))
	case "":
		// Plain chatter, ignore.
	default:
		t.reply(msg.Chat.ID, "Commands: /status, /tasks [platform_id]")
	}
}

func (t *TelegramChannel) statusText(ctx context.Context) string {
	tasks, err := t.store.ListTasks(ctx, "", 50)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	var completed, failed, active int
	for _, task := range tasks {
		switch task.Status {
		case persistence.TaskStatusCompleted:
			completed++
		case persistence.TaskStatusFailed:
			failed++
		default:
			active++
		}
	}
	return fmt.Sprintf("Last %d tasks: %d completed, %d failed, %d active.",
		len(tasks), completed, failed, active)
}

func (t *TelegramChannel) tasksText(ctx context.Context, platformID string) string {
	tasks, err := t.store.ListTasks(ctx, platformID, 10)
	if err != nil {
		return fmt.Sprintf("tasks unavailable: %v", err)
	}
	if len(tasks) == 0 {
		return "No tasks recorded."
	}
	var b strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n", task.ID, task.PlatformID, task.TaskType, task.Status)
	}
	return b.String()
}

func (t *TelegramChannel) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.out == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.out.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message", "error", err)
	}
}

// parseCommand splits an operator message into a slash command and its
// argument. Non-command text returns an empty command.
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	parts := strings.SplitN(strings.TrimPrefix(text, "/"), " ", 2)
	cmd = strings.ToLower(parts[0])
	// Strip the @botname suffix Telegram appends in group chats.
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func formatTaskFailure(te bus.TaskTerminalEvent) string {
	errMsg := te.Error
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return fmt.Sprintf("Task %s failed on %s (%s): %s", te.TaskID, te.PlatformID, te.TaskType, errMsg)
}

// formatSessionAlert turns session lifecycle events into operator text.
// Captured sessions are routine and produce no alert.
func formatSessionAlert(topic string, se bus.SessionEvent) string {
	switch topic {
	case bus.TopicSessionRecaptureNeeded:
		return fmt.Sprintf("Session for %s needs recapture (%s). Run: fanlane session capture --platform-id %s",
			se.PlatformID, se.Reason, se.PlatformID)
	case bus.TopicSessionInvalidated:
		return fmt.Sprintf("Session for %s was invalidated (%s).", se.PlatformID, se.Reason)
	default:
		return ""
	}
}

// formatActivity reports pledge changes. Messages and unclassified activity
// are too chatty to forward.
func formatActivity(rec poller.ActivityRecord) string {
	ev := rec.Event
	name := ev.Username
	if name == "" {
		name = ev.UserID
	}
	switch ev.Type {
	case platform.ActivityNewPledge:
		if ev.AmountCents > 0 {
			return fmt.Sprintf("New pledge on %s: %s at $%.2f (%s)",
				rec.PlatformID, name, float64(ev.AmountCents)/100, ev.TierName)
		}
		return fmt.Sprintf("New pledge on %s: %s", rec.PlatformID, name)
	case platform.ActivityUpdatedPledge:
		return fmt.Sprintf("Pledge updated on %s: %s now at $%.2f",
			rec.PlatformID, name, float64(ev.AmountCents)/100)
	case platform.ActivityDeletedPledge:
		return fmt.Sprintf("Pledge cancelled on %s: %s", rec.PlatformID, name)
	default:
		return ""
	}
}
