// Package poller periodically pulls supporter activity from connected
// platform accounts and republishes it on the internal bus.
//
// Delivery is at most once: the cursor for an account is advanced to the
// poll start time before the remote fetch happens, so a fetch that fails
// mid-flight never replays events on the next poll.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/otel"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/shared"
)

// defaultLookback bounds the first poll of an account that has no cursor yet.
const defaultLookback = 24 * time.Hour

// ErrPollInFlight is returned when a poll for the account is already running.
var ErrPollInFlight = fmt.Errorf("poller: poll already in flight")

// Result summarizes one completed poll cycle. A platform fetch failure does
// not fail the cycle; it is recorded in FetchError and the skipped window is
// dropped.
type Result struct {
	PlatformID string
	Emitted    int
	FetchError string
}

// Poller drives activity fetches against platform adapters.
type Poller struct {
	store    *persistence.Store
	registry *platform.Registry
	cfg      config.Config
	bus      *bus.Bus
	logger   *slog.Logger
	tel      *otel.Telemetry

	mu       sync.Mutex
	inflight map[string]bool
}

func New(store *persistence.Store, registry *platform.Registry, cfg config.Config, b *bus.Bus, logger *slog.Logger, tel *otel.Telemetry) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:    store,
		registry: registry,
		cfg:      cfg,
		bus:      b,
		logger:   logger.With("component", "poller"),
		tel:      tel,
		inflight: make(map[string]bool),
	}
}

// Poll fetches activity for one account and publishes each event on the bus.
// Platform failures during the fetch are recorded in the result, never
// returned; the error return covers pre-flight problems only (unknown
// account, cursor store, overlap). At most one poll per account runs at a
// time; overlapping calls fail fast with ErrPollInFlight.
func (p *Poller) Poll(ctx context.Context, platformID string) (Result, error) {
	res := Result{PlatformID: platformID}
	p.mu.Lock()
	if p.inflight[platformID] {
		p.mu.Unlock()
		return res, ErrPollInFlight
	}
	p.inflight[platformID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, platformID)
		p.mu.Unlock()
	}()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := p.tel.Span(ctx, "activity.poll", otel.AttrPlatformID.String(platformID))
	defer span.End()
	log := p.logger.With("platform_id", platformID, "trace_id", shared.TraceID(ctx))

	acct := p.cfg.Account(platformID)
	if acct == nil {
		return res, fmt.Errorf("poller: unknown account %q", platformID)
	}
	adapter := p.registry.Get(acct.Platform)
	if adapter == nil {
		return res, fmt.Errorf("poller: no adapter registered for platform %q", acct.Platform)
	}

	pollStart := time.Now().UTC()
	cursor, ok, err := p.store.GetCursor(ctx, platformID)
	if err != nil {
		return res, fmt.Errorf("poller: load cursor: %w", err)
	}
	if !ok {
		cursor = pollStart.Add(-defaultLookback)
	}

	// Commit the new cursor before touching the network. A failed fetch
	// drops its window rather than double-delivering it later.
	if err := p.store.AdvanceCursor(ctx, platformID, pollStart); err != nil {
		return res, fmt.Errorf("poller: advance cursor: %w", err)
	}

	events, err := adapter.FetchActivity(ctx, platformID, cursor)
	if err != nil {
		log.Warn("activity fetch failed, window skipped",
			"since", cursor,
			"error", err,
		)
		res.FetchError = err.Error()
		p.publishSummary(ctx, res, pollStart)
		return res, nil
	}

	for _, ev := range events {
		if !ev.Timestamp.After(cursor) {
			continue
		}
		p.bus.Publish(bus.TopicActivityEvent, ActivityRecord{
			PlatformID: platformID,
			ClientID:   acct.ClientID,
			Event:      ev,
		})
		res.Emitted++
	}

	log.Info("activity poll complete",
		"since", cursor,
		"fetched", len(events),
		"emitted", res.Emitted,
	)
	p.publishSummary(ctx, res, pollStart)
	return res, nil
}

// PollAll polls every configured account sequentially, collecting errors.
// One failing account does not stop the others.
func (p *Poller) PollAll(ctx context.Context) error {
	var errs []error
	for _, acct := range p.cfg.Accounts {
		if _, err := p.Poll(ctx, acct.PlatformID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acct.PlatformID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("poller: %d account(s) failed: %v", len(errs), errs)
	}
	return nil
}

func (p *Poller) publishSummary(ctx context.Context, res Result, polledAt time.Time) {
	p.tel.PollObserved(ctx, time.Since(polledAt).Seconds(), otel.AttrPlatformID.String(res.PlatformID))
	p.bus.Publish(bus.TopicActivityPoll, bus.ActivityPollEvent{
		PlatformID: res.PlatformID,
		Emitted:    res.Emitted,
		Error:      res.FetchError,
		PolledAt:   polledAt,
	})
}

// ActivityRecord is the bus payload for a single supporter activity event.
type ActivityRecord struct {
	PlatformID string
	ClientID   string
	Event      platform.ActivityEvent
}
