// Package patreon implements the platform adapter for Patreon's OAuth2 REST
// API. All calls go through the shared retrying client; tokens come from the
// credential vault and refresh transparently.
package patreon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/platform/rest"
	"github.com/lumenhq/fanlane/internal/shared"
	"github.com/lumenhq/fanlane/internal/vault"
)

const (
	// Name is the platform type this adapter serves.
	Name = "patreon"

	defaultBaseURL  = "https://www.patreon.com/api/oauth2/v2"
	defaultTokenURL = "https://www.patreon.com/api/oauth2/token"
)

// Options override endpoints, mainly for tests. Bus, when set, receives a
// task.retrying event for every retried API call.
type Options struct {
	BaseURL   string
	TokenURL  string
	UserAgent string
	Bus       *bus.Bus
}

// Adapter serves every connected Patreon account. Clients and campaign IDs
// are cached per platform account.
type Adapter struct {
	vault   *vault.Vault
	logger  *slog.Logger
	restCfg rest.Config
	tokens  oauth2.Endpoint

	mu        sync.Mutex
	clients   map[string]*rest.Client
	campaigns map[string]string
}

// New builds the adapter with retry settings from config.
func New(v *vault.Vault, retry config.RetryConfig, logger *slog.Logger, opts Options) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fanlane/1.0"
	}
	var onRetry func(ctx context.Context, attempt int, delay time.Duration)
	if opts.Bus != nil {
		eventBus := opts.Bus
		onRetry = func(ctx context.Context, attempt int, delay time.Duration) {
			eventBus.Publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
				TaskID:     shared.TaskID(ctx),
				PlatformID: shared.PlatformID(ctx),
				Attempt:    attempt,
				DelayMs:    delay.Milliseconds(),
			})
		}
	}
	return &Adapter{
		vault:  v,
		logger: logger,
		restCfg: rest.Config{
			BaseURL:     opts.BaseURL,
			UserAgent:   opts.UserAgent,
			MaxRetries:  retry.MaxRetries,
			BaseDelay:   time.Duration(retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(retry.MaxDelayMs) * time.Millisecond,
			CallTimeout: time.Duration(retry.CallTimeoutMs) * time.Millisecond,
			OnRetry:     onRetry,
		},
		tokens:    oauth2.Endpoint{TokenURL: opts.TokenURL},
		clients:   make(map[string]*rest.Client),
		campaigns: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) CredentialRequirements() []string {
	return []string{rest.FieldAccessToken, rest.FieldRefreshToken, rest.FieldClientID, rest.FieldClientSecret}
}

func (a *Adapter) ValidateCredentials(creds map[string]string) bool {
	return creds[rest.FieldAccessToken] != ""
}

func (a *Adapter) client(platformID string) *rest.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[platformID]
	if !ok {
		ts := rest.NewVaultTokenSource(a.vault, platformID, a.tokens, a.logger)
		c = rest.New(a.restCfg, ts, a.logger)
		a.clients[platformID] = c
	}
	return c
}

// Initialize performs the cheapest authenticated call.
func (a *Adapter) Initialize(ctx context.Context, platformID string, creds map[string]string) error {
	if !a.ValidateCredentials(creds) {
		return platform.NewError(platform.ErrKindValidation, "initialize", "missing %s", rest.FieldAccessToken)
	}
	var out identityResponse
	if err := a.client(platformID).DoJSON(ctx, http.MethodGet, "/identity", nil, &out); err != nil {
		return err
	}
	if out.Data.ID == "" {
		return platform.NewError(platform.ErrKindAuthentication, "initialize", "identity response carried no user")
	}
	return nil
}

// campaign resolves and caches the campaign ID owning this account.
func (a *Adapter) campaign(ctx context.Context, platformID string) (string, error) {
	a.mu.Lock()
	if cid, ok := a.campaigns[platformID]; ok {
		a.mu.Unlock()
		return cid, nil
	}
	a.mu.Unlock()

	var out identityResponse
	if err := a.client(platformID).DoJSON(ctx, http.MethodGet, "/identity?include=campaign", nil, &out); err != nil {
		return "", err
	}
	for _, inc := range out.Included {
		if inc.Type == "campaign" && inc.ID != "" {
			a.mu.Lock()
			a.campaigns[platformID] = inc.ID
			a.mu.Unlock()
			return inc.ID, nil
		}
	}
	return "", platform.NewError(platform.ErrKindAuthentication, "campaign", "no campaign linked to account %s", platformID)
}

func (a *Adapter) PostContent(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Content == "" {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "post", "content is required"))
	}
	cid, err := a.campaign(ctx, req.PlatformID)
	if err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	body := postBody{}
	body.Data.Type = "post"
	body.Data.Attributes.Content = req.Content
	body.Data.Attributes.MediaURLs = req.MediaURLs
	var out entityResponse
	if err := a.client(req.PlatformID).DoJSON(ctx, http.MethodPost, "/campaigns/"+cid+"/posts", body, &out); err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	return platform.Success(Name, req.Type, out.Data.ID, nil)
}

func (a *Adapter) SchedulePost(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Content == "" || req.ScheduledFor == nil {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "schedule", "content and scheduled_for are required"))
	}
	if req.ScheduledFor.Before(time.Now()) {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "schedule", "scheduled_for is in the past"))
	}
	cid, err := a.campaign(ctx, req.PlatformID)
	if err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	body := postBody{}
	body.Data.Type = "post"
	body.Data.Attributes.Content = req.Content
	body.Data.Attributes.MediaURLs = req.MediaURLs
	body.Data.Attributes.PublishedAt = req.ScheduledFor.UTC().Format(time.RFC3339)
	var out entityResponse
	if err := a.client(req.PlatformID).DoJSON(ctx, http.MethodPost, "/campaigns/"+cid+"/posts", body, &out); err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	return platform.Success(Name, req.Type, out.Data.ID, map[string]any{
		"scheduled_for": req.ScheduledFor.UTC().Format(time.RFC3339),
	})
}

func (a *Adapter) SendDM(ctx context.Context, req platform.TaskRequest) platform.Result {
	if req.Content == "" || len(req.Recipients) == 0 {
		return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindValidation, "dm", "content and at least one recipient are required"))
	}
	var lastID string
	for _, recipient := range req.Recipients {
		body := messageBody{}
		body.Data.Type = "message"
		body.Data.Attributes.Content = req.Content
		body.Data.Relationships.Recipient.Data.ID = recipient
		body.Data.Relationships.Recipient.Data.Type = "user"
		var out entityResponse
		if err := a.client(req.PlatformID).DoJSON(ctx, http.MethodPost, "/messages", body, &out); err != nil {
			return platform.Failure(Name, req.Type, fmt.Errorf("recipient %s: %w", recipient, err))
		}
		lastID = out.Data.ID
	}
	return platform.Success(Name, req.Type, lastID, map[string]any{"recipients": len(req.Recipients)})
}

// AdjustPricing is not available through Patreon's API; tier price changes
// require the web dashboard.
func (a *Adapter) AdjustPricing(ctx context.Context, req platform.TaskRequest) platform.Result {
	return platform.Failure(Name, req.Type, platform.NewError(platform.ErrKindUnsupported, "pricing", "patreon does not expose tier price changes via API"))
}

func (a *Adapter) FetchMetrics(ctx context.Context, req platform.TaskRequest) platform.Result {
	cid, err := a.campaign(ctx, req.PlatformID)
	if err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	var out campaignResponse
	path := "/campaigns/" + cid + "?" + url.Values{"fields[campaign]": {"patron_count,pledge_sum,paid_member_count"}}.Encode()
	if err := a.client(req.PlatformID).DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return platform.Failure(Name, req.Type, err)
	}
	return platform.Success(Name, req.Type, cid, map[string]any{
		"patron_count":      out.Data.Attributes.PatronCount,
		"pledge_sum_cents":  out.Data.Attributes.PledgeSum,
		"paid_member_count": out.Data.Attributes.PaidMemberCount,
	})
}

// FetchActivity returns pledge events since the given time, normalized.
func (a *Adapter) FetchActivity(ctx context.Context, platformID string, since time.Time) ([]platform.ActivityEvent, error) {
	cid, err := a.campaign(ctx, platformID)
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"fields[pledge-event]": {"type,amount_cents,date,tier_id,tier_title"},
		"page[count]":          {"200"},
	}
	if !since.IsZero() {
		q.Set("filter[date_min]", since.UTC().Format(time.RFC3339))
	}
	var out pledgeEventsResponse
	if err := a.client(platformID).DoJSON(ctx, http.MethodGet, "/campaigns/"+cid+"/pledge-events?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	events := make([]platform.ActivityEvent, 0, len(out.Data))
	for _, raw := range out.Data {
		events = append(events, normalizePledgeEvent(raw))
	}
	return events, nil
}
