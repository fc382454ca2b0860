// Package dispatcher executes platform tasks against the registered adapters,
// driving each task through the persisted state machine. Every submission
// leaves an auditable task row: pre-flight rejections fail the task before it
// ever starts, adapter outcomes land as COMPLETED or FAILED with the result
// envelope attached.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/config"
	"github.com/lumenhq/fanlane/internal/otel"
	"github.com/lumenhq/fanlane/internal/persistence"
	"github.com/lumenhq/fanlane/internal/platform"
	"github.com/lumenhq/fanlane/internal/shared"
)

// recommendationParallelism bounds concurrent task execution during a
// recommendation fan-out. Browser-backed accounts still serialize through the
// session manager's per-account lock.
const recommendationParallelism = 4

// Submission is one task execution request.
type Submission struct {
	PlatformID       string            `json:"platform_id"`
	TaskType         platform.TaskType `json:"task_type"`
	StrategyID       string            `json:"strategy_id,omitempty"`
	RecommendationID string            `json:"recommendation_id,omitempty"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
}

// Recommendation is a strategy-produced batch of actions executed together.
type Recommendation struct {
	RecommendationID string       `json:"recommendation_id"`
	StrategyID       string       `json:"strategy_id"`
	ClientID         string       `json:"client_id"`
	Actions          []Submission `json:"actions"`
}

type Dispatcher struct {
	store    *persistence.Store
	registry *platform.Registry
	cfg      config.Config
	bus      *bus.Bus
	logger   *slog.Logger
	tel      *otel.Telemetry
	schemas  *payloadSchemas
}

func New(store *persistence.Store, registry *platform.Registry, cfg config.Config, b *bus.Bus, logger *slog.Logger, tel *otel.Telemetry) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compilePayloadSchemas()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		tel:      tel,
		schemas:  schemas,
	}, nil
}

// ExecuteTask runs one submission to a terminal state and returns the final
// task row. Rejected or failed tasks come back with a nil error and status
// FAILED; a non-nil error means the infrastructure itself broke.
func (d *Dispatcher) ExecuteTask(ctx context.Context, sub Submission) (*persistence.Task, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithPlatformID(ctx, sub.PlatformID)
	ctx, span := d.tel.Span(ctx, "task.execute",
		otel.AttrPlatformID.String(sub.PlatformID),
		otel.AttrTaskType.String(string(sub.TaskType)),
	)
	defer span.End()

	acct := d.cfg.Account(sub.PlatformID)
	clientID := ""
	if acct != nil {
		clientID = acct.ClientID
	}

	taskID, err := d.store.CreateTask(ctx, persistence.NewTask{
		PlatformID:       sub.PlatformID,
		ClientID:         clientID,
		TaskType:         string(sub.TaskType),
		StrategyID:       sub.StrategyID,
		RecommendationID: sub.RecommendationID,
		Payload:          string(sub.Payload),
	})
	if err != nil {
		return nil, err
	}
	ctx = shared.WithTaskID(ctx, taskID)
	span.SetAttributes(otel.AttrTaskID.String(taskID))
	log := d.logger.With("task_id", taskID, "platform_id", sub.PlatformID, "task_type", sub.TaskType, "trace_id", shared.TraceID(ctx))

	// Pre-flight checks fail the task from PENDING without ever marking it
	// IN_PROGRESS: no execution was attempted.
	if acct == nil {
		return d.rejectTask(ctx, log, taskID, sub,
			platform.NewError(platform.ErrKindValidation, "preflight", "unknown platform account %q", sub.PlatformID))
	}
	adapter := d.registry.Get(acct.Platform)
	if adapter == nil {
		return d.rejectTask(ctx, log, taskID, sub,
			platform.NewError(platform.ErrKindValidation, "preflight", "no adapter registered for platform %q", acct.Platform))
	}
	if err := d.schemas.validate(sub.TaskType, string(sub.Payload)); err != nil {
		return d.rejectTask(ctx, log, taskID, sub,
			platform.WrapError(platform.ErrKindValidation, "preflight", err))
	}

	moved, err := d.store.StartTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("dispatcher: task %s could not start", taskID)
	}
	log.Info("task started")

	started := time.Now()
	res := d.runAdapter(ctx, log, adapter, taskRequest(taskID, clientID, sub))
	d.tel.TaskObserved(ctx, time.Since(started).Seconds(),
		otel.AttrAdapter.String(adapter.Name()),
		otel.AttrTaskType.String(string(sub.TaskType)),
	)

	resultJSON, err := json.Marshal(res)
	if err != nil {
		resultJSON = []byte(`{}`)
	}
	if res.Success {
		if err := d.store.CompleteTask(ctx, taskID, string(resultJSON)); err != nil {
			return nil, err
		}
		log.Info("task completed", "entity_id", res.EntityID)
	} else {
		if err := d.store.FailTask(ctx, taskID, res.Error, string(resultJSON)); err != nil {
			return nil, err
		}
		log.Warn("task failed", "error_kind", res.ErrorKind, "error", shared.Redact(res.Error))
	}
	d.publishTerminal(taskID, sub, res)
	return d.store.GetTask(ctx, taskID)
}

// runAdapter invokes the adapter with panic containment: a panicking adapter
// must fail its own task, never the daemon.
func (d *Dispatcher) runAdapter(ctx context.Context, log *slog.Logger, adapter platform.Adapter, req platform.TaskRequest) (res platform.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("adapter panicked", "panic", fmt.Sprint(r))
			res = platform.Failure(adapter.Name(), req.Type,
				platform.NewError(platform.ErrKindInternal, "execute", "adapter panic: %v", r))
		}
	}()
	return platform.Dispatch(ctx, adapter, req)
}

// taskRequest decodes the payload into the adapter request envelope.
func taskRequest(taskID, clientID string, sub Submission) platform.TaskRequest {
	var req platform.TaskRequest
	if len(sub.Payload) > 0 {
		// Payload passed schema validation already; a decode failure here
		// would only drop optional fields.
		_ = json.Unmarshal(sub.Payload, &req)
	}
	req.TaskID = taskID
	req.PlatformID = sub.PlatformID
	req.ClientID = clientID
	req.Type = sub.TaskType
	return req
}

// rejectTask fails a PENDING task during pre-flight.
func (d *Dispatcher) rejectTask(ctx context.Context, log *slog.Logger, taskID string, sub Submission, rejectErr error) (*persistence.Task, error) {
	res := platform.Failure("", sub.TaskType, rejectErr)
	resultJSON, err := json.Marshal(res)
	if err != nil {
		resultJSON = []byte(`{}`)
	}
	if err := d.store.FailTask(ctx, taskID, rejectErr.Error(), string(resultJSON)); err != nil {
		return nil, err
	}
	log.Warn("task rejected", "error", rejectErr.Error())
	d.publishTerminal(taskID, sub, res)
	return d.store.GetTask(ctx, taskID)
}

func (d *Dispatcher) publishTerminal(taskID string, sub Submission, res platform.Result) {
	if d.bus == nil {
		return
	}
	topic := bus.TopicTaskCompleted
	status := string(persistence.TaskStatusCompleted)
	if !res.Success {
		topic = bus.TopicTaskFailed
		status = string(persistence.TaskStatusFailed)
	}
	d.bus.Publish(topic, bus.TaskTerminalEvent{
		TaskID:     taskID,
		PlatformID: sub.PlatformID,
		TaskType:   string(sub.TaskType),
		Status:     status,
		Error:      res.Error,
	})
}

// ExecuteRecommendation fans a recommendation's actions out across adapters
// and waits for all of them. Actions that name no account are expanded across
// every account connected for the recommendation's client. Individual task
// failures do not abort the batch; only infrastructure errors do.
func (d *Dispatcher) ExecuteRecommendation(ctx context.Context, rec Recommendation) ([]persistence.Task, error) {
	if len(rec.Actions) == 0 {
		return nil, fmt.Errorf("dispatcher: recommendation %s has no actions", rec.RecommendationID)
	}
	actions, err := d.expandActions(rec)
	if err != nil {
		return nil, err
	}
	tasks := make([]persistence.Task, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recommendationParallelism)
	for i, action := range actions {
		g.Go(func() error {
			t, err := d.ExecuteTask(gctx, action)
			if err != nil {
				return err
			}
			tasks[i] = *t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// expandActions stamps the recommendation identifiers onto each action and
// resolves account-scoped actions, those with no platform id, into one
// submission per connected account of the client.
func (d *Dispatcher) expandActions(rec Recommendation) ([]Submission, error) {
	out := make([]Submission, 0, len(rec.Actions))
	for _, action := range rec.Actions {
		action.StrategyID = rec.StrategyID
		action.RecommendationID = rec.RecommendationID
		if action.PlatformID != "" {
			out = append(out, action)
			continue
		}
		accounts := d.cfg.AccountsForClient(rec.ClientID)
		if len(accounts) == 0 {
			return nil, fmt.Errorf("dispatcher: recommendation %s targets client %q with no connected accounts", rec.RecommendationID, rec.ClientID)
		}
		for _, acct := range accounts {
			expanded := action
			expanded.PlatformID = acct.PlatformID
			out = append(out, expanded)
		}
	}
	return out, nil
}

// GetTask returns a task row, or nil when the id is unknown.
func (d *Dispatcher) GetTask(ctx context.Context, taskID string) (*persistence.Task, error) {
	return d.store.GetTask(ctx, taskID)
}

// ListTasks lists tasks, optionally filtered by platform account.
func (d *Dispatcher) ListTasks(ctx context.Context, platformID string, limit int) ([]persistence.Task, error) {
	return d.store.ListTasks(ctx, platformID, limit)
}
