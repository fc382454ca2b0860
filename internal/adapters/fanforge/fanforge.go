// Package fanforge implements the platform adapter for FanForge, which
// exposes no API. Every operation drives the web UI through a captured
// browser session; DOM selectors come from the externally supplied selector
// pack and the session manager enforces one operation per account at a time.
package fanforge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/session"
)

// Name is the platform type this adapter serves.
const Name = "fanforge"

type Adapter struct {
	sessions *session.Manager
	logger   *slog.Logger
}

func New(sessions *session.Manager, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{sessions: sessions, logger: logger}
}

func (a *Adapter) Name() string { return Name }
func (a *Adapter) BrowserBacked() bool { return true }

func (a *Adapter) CredentialRequirements() []string {
	return []string{session.VaultField}
}

func (a *Adapter) ValidateCredentials(creds map[string]string) bool {
	return creds[session.VaultField] != ""
}

// Initialize probes the stored session by acquiring and releasing it.
func (a *Adapter) Initialize(ctx context.Context, platformID string, creds map[string]string) error {
	lease, err := a.sessions.Acquire(ctx, platformID, Name)
	if err != nil {
		return err
	}
	lease.Release()
	return nil
}

// withLease runs one UI flow under an exclusive session lease and wraps the
// outcome in the result envelope.
func (a *Adapter) withLease(ctx context.Context, req platform.TaskRequest, fn func(page session.Page, sel config.SelectorPack) (map[string]any, error)) platform.Result {
	sel, err := a.sessions.Selectors(Name)
	if err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	lease, err := a.sessions.Acquire(ctx, req.PlatformID, Name)
	if err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	defer lease.Release()

	meta, err := fn(lease.Page(), sel)
	if err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	return platform.Success(Name, req.Type, "", meta)
}

func (a *Adapter) PostContent(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Content == "" {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "post", "content is required"))
	}
	return a.withLease(ctx, req, func(page session.Page, sel config.SelectorPack) (map[string]any, error) {
		compose, err := sel.Selector("post_compose")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "post", err)
		}
		submit, err := sel.Selector("post_submit")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "post", err)
		}
		if err := page.WaitVisible(ctx, compose); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "open composer", err)
		}
		if err := page.Type(ctx, compose, req.Content); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "compose post", err)
		}
		if err := page.Click(ctx, submit); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "submit post", err)
		}
		return map[string]any{"content_chars": len(req.Content)}, nil
	})
}

func (a *Adapter) SendDM(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Content == "" || len(req.Recipients) == 0 {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "dm", "content and at least one recipient are required"))
	}
	return a.withLease(ctx, req, func(page session.Page, sel config.SelectorPack) (map[string]any, error) {
		recipientSel, err := sel.Selector("dm_recipient")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "dm", err)
		}
		bodySel, err := sel.Selector("dm_body")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "dm", err)
		}
		sendSel, err := sel.Selector("dm_send")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "dm", err)
		}
		for _, recipient := range req.Recipients {
			if err := page.Type(ctx, recipientSel, recipient); err != nil {
				return nil, platform.WrapError(platform.ErrKindTransient, "address dm", err)
			}
			if err := page.Type(ctx, bodySel, req.Content); err != nil {
				return nil, platform.WrapError(platform.ErrKindTransient, "compose dm", err)
			}
			if err := page.Click(ctx, sendSel); err != nil {
				return nil, platform.WrapError(platform.ErrKindTransient, "send dm", err)
			}
		}
		return map[string]any{"recipients": len(req.Recipients)}, nil
	})
}

func (a *Adapter) AdjustPricing(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Pricing == nil || req.Pricing.AmountCents <= 0 {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "pricing", "pricing_data with a positive amount is required"))
	}
	return a.withLease(ctx, req, func(page session.Page, sel config.SelectorPack) (map[string]any, error) {
		inputSel, err := sel.Selector("price_input")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "pricing", err)
		}
		saveSel, err := sel.Selector("price_save")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "pricing", err)
		}
		amount := fmt.Sprintf("%.2f", float64(req.Pricing.AmountCents)/100)
		if err := page.Type(ctx, inputSel, amount); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "enter price", err)
		}
		if err := page.Click(ctx, saveSel); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "save price", err)
		}
		return map[string]any{"tier_id": req.Pricing.TierID, "amount_cents": req.Pricing.AmountCents}, nil
	})
}

func (a *Adapter) SchedulePost(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Content == "" || req.ScheduledFor == nil {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "schedule", "content and scheduled_for are required"))
	}
	if req.ScheduledFor.Before(time.Now()) {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "schedule", "scheduled_for is in the past"))
	}
	return a.withLease(ctx, req, func(page session.Page, sel config.SelectorPack) (map[string]any, error) {
		compose, err := sel.Selector("post_compose")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "schedule", err)
		}
		toggle, err := sel.Selector("schedule_toggle")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "schedule", err)
		}
		input, err := sel.Selector("schedule_input")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "schedule", err)
		}
		submit, err := sel.Selector("post_submit")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "schedule", err)
		}
		if err := page.Type(ctx, compose, req.Content); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "compose post", err)
		}
		if err := page.Click(ctx, toggle); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "open scheduler", err)
		}
		if err := page.Type(ctx, input, req.ScheduledFor.UTC().Format("2006-01-02 15:04")); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "set schedule time", err)
		}
		if err := page.Click(ctx, submit); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "submit scheduled post", err)
		}
		return map[string]any{"scheduled_for": req.ScheduledFor.UTC().Format(time.RFC3339)}, nil
	})
}

func (a *Adapter) FetchMetrics(ctx context.Context, req platform.TaskRequest) platform.Result {
	return a.withLease(ctx, req, func(page session.Page, sel config.SelectorPack) (map[string]any, error) {
		panelSel, err := sel.Selector("stats_panel")
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindValidation, "metrics", err)
		}
		if err := page.WaitVisible(ctx, panelSel); err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "open stats", err)
		}
		raw, err := page.Text(ctx, panelSel)
		if err != nil {
			return nil, platform.WrapError(platform.ErrKindTransient, "read stats", err)
		}
		meta := map[string]any{"raw_stats": raw}
		for k, v := range parseStats(raw) {
			meta[k] = v
		}
		return meta, nil
	})
}

// FetchActivity reads the notification list and normalizes the JSON state
// nodes the site embeds per notification. Entries that do not parse are
// skipped with a debug log rather than failing the poll.
func (a *Adapter) FetchActivity(ctx context.Context, platformID string, since time.Time) ([]platform.ActivityEvent, error) {
	sel, err := a.sessions.Selectors(Name)
	if err != nil {
		return nil, err
	}
	listSel, err := sel.Selector("notifications_list")
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindValidation, "activity", err)
	}

	lease, err := a.sessions.Acquire(ctx, platformID, Name)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	page := lease.Page()
	if err := page.WaitVisible(ctx, listSel); err != nil {
		return nil, platform.WrapError(platform.ErrKindTransient, "open notifications", err)
	}
	texts, err := page.Texts(ctx, listSel)
	if err != nil {
		return nil, platform.WrapError(platform.ErrKindTransient, "read notifications", err)
	}

	events := make([]platform.ActivityEvent, 0, len(texts))
	for _, raw := range texts {
		ev, ok := parseNotification(raw)
		if !ok {
			a.logger.Debug("skipping unparseable notification", "platform_id", platformID)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
