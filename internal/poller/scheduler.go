package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/lumenhq/fanlane/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// entry tracks one configured schedule and its next due time.
type entry struct {
	platformID string
	sched      cronlib.Schedule
	nextRun    time.Time
}

// Scheduler fires activity polls on the cron expressions bound to each
// account in the configuration.
type Scheduler struct {
	poller   *Poller
	logger   *slog.Logger
	interval time.Duration
	entries  []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerConfig holds the dependencies for the poll scheduler.
type SchedulerConfig struct {
	Poller    *Poller
	Schedules []config.ScheduleConfig
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// NewScheduler builds a Scheduler from the configured schedules. Invalid
// cron expressions are rejected here rather than silently skipped at tick.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	entries := make([]*entry, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		sched, err := cronParser.Parse(sc.Cron)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &entry{
			platformID: sc.PlatformID,
			sched:      sched,
			nextRun:    sched.Next(now),
		})
	}
	return &Scheduler{
		poller:   cfg.Poller,
		logger:   logger.With("component", "poll_scheduler"),
		interval: interval,
		entries:  entries,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("poll scheduler started",
		"schedules", len(s.entries),
		"interval", s.interval,
	)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("poll scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every schedule that has come due and recomputes its next run.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.sched.Next(now)
		if _, err := s.poller.Poll(ctx, e.platformID); err != nil {
			if err == ErrPollInFlight {
				s.logger.Debug("poll still running, skipped",
					"platform_id", e.platformID,
				)
				continue
			}
			s.logger.Error("scheduled poll failed",
				"platform_id", e.platformID,
				"error", err,
			)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time. Used by the CLI to preview schedules.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
