package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lumenhq/fanlane/internal/bus"
	"github.com/lumenhq/fanlane/internal/shared"
)

// NewTask holds the caller-supplied fields for task creation.
type NewTask struct {
	PlatformID       string
	ClientID         string
	TaskType         string
	StrategyID       string
	RecommendationID string
	Payload          string // opaque JSON
}

// CreateTask persists a task in PENDING and returns its id.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (string, error) {
	taskID := uuid.NewString()
	payload := nt.Payload
	if payload == "" {
		payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, platform_id, client_id, task_type, strategy_id, recommendation_id,
				status, payload, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, nt.PlatformID, nt.ClientID, nt.TaskType, nt.StrategyID, nt.RecommendationID,
			TaskStatusPending, payload); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, nt.PlatformID, "", TaskStatusPending, "task.created", `{"reason":"submitted"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// StartTask moves a PENDING task to IN_PROGRESS. Returns false if the task is
// missing or not in PENDING.
func (s *Store) StartTask(ctx context.Context, taskID string) (bool, error) {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		moved, err = s.transitionTaskTx(ctx, tx, taskID, TaskStatusInProgress, "task.started", nil, nil)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishStateChange(taskID, TaskStatusPending, TaskStatusInProgress)
	}
	return moved, nil
}

// CompleteTask moves an IN_PROGRESS task to COMPLETED with its result JSON.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	var moved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		moved, err = s.transitionTaskTx(ctx, tx, taskID, TaskStatusCompleted, "task.completed", &result, nil)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("task %s: not in a completable state", taskID)
	}
	s.publishStateChange(taskID, TaskStatusInProgress, TaskStatusCompleted)
	return nil
}

// FailTask moves a PENDING or IN_PROGRESS task to FAILED with an error string
// and an optional result JSON carrying the structured failure envelope.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg, result string) error {
	errMsg = shared.Redact(errMsg)
	var moved bool
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = s.taskStatusTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		var res *string
		if result != "" {
			res = &result
		}
		moved, err = s.transitionTaskTx(ctx, tx, taskID, TaskStatusFailed, "task.failed", res, &errMsg)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("task %s: not in a failable state", taskID)
	}
	s.publishStateChange(taskID, from, TaskStatusFailed)
	return nil
}

func (s *Store) taskStatusTx(ctx context.Context, tx *sql.Tx, taskID string) (TaskStatus, error) {
	var status TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select task status: %w", err)
	}
	return status, nil
}

// transitionTaskTx applies one state-machine transition. It refuses illegal
// transitions and leaves completed_at/result untouched except on terminal
// states, preserving the invariant that result is set iff status is terminal.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	to TaskStatus,
	eventType string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	var platformID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, platform_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &platformID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !canTransition(current, to) {
		if current.IsTerminal() {
			// Terminal states are final; treat as a no-op refusal.
			return false, nil
		}
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			completed_at = CASE WHEN ? IN ('COMPLETED', 'FAILED') THEN CURRENT_TIMESTAMP ELSE completed_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, string(to), taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, platformID, current, to, eventType, "{}"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, platformID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, platform_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, platformID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) publishStateChange(taskID string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

const taskColumns = `
	id, platform_id, client_id, task_type,
	COALESCE(strategy_id, ''), COALESCE(recommendation_id, ''),
	status, payload, COALESCE(result, ''), COALESCE(error, ''),
	created_at, completed_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var completedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.PlatformID, &t.ClientID, &t.TaskType,
		&t.StrategyID, &t.RecommendationID,
		&t.Status, &t.Payload, &t.Result, &t.Error,
		&t.CreatedAt, &completedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// GetTask returns the task for the given id, or nil if not found.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks for a platform account, newest first. An empty
// platformID lists across all accounts.
func (s *Store) ListTasks(ctx context.Context, platformID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE (? = '' OR platform_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, platformID, platformID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns the transition history for a task in order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, platform_id, COALESCE(trace_id, '-'), event_type,
			state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(
			&event.EventID, &event.TaskID, &event.PlatformID, &event.TraceID,
			&event.EventType, &stateFrom, &event.StateTo, &event.Payload, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns the number of pending and in-progress tasks.
func (s *Store) TaskCounts(ctx context.Context) (pending, inProgress int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'IN_PROGRESS' THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`).Scan(&pending, &inProgress)
	if err != nil {
		return 0, 0, fmt.Errorf("task counts: %w", err)
	}
	return pending, inProgress, nil
}
