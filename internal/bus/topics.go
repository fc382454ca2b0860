package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
)

// Activity poller topics.
const (
	TopicActivityEvent = "activity.event"
	TopicActivityPoll  = "activity.poll"
)

// Session lifecycle topics.
const (
	TopicSessionCaptured        = "session.captured"
	TopicSessionInvalidated     = "session.invalidated"
	TopicSessionRecaptureNeeded = "session.recapture_needed"
)

// TaskStateChangedEvent is published when a task's state changes.
type TaskStateChangedEvent struct {
	TaskID     string // Task ID
	PlatformID string // Platform account ID
	OldStatus  string // Previous status (e.g. PENDING)
	NewStatus  string // New status (e.g. IN_PROGRESS)
}

// TaskTerminalEvent is published when a task reaches a terminal state.
type TaskTerminalEvent struct {
	TaskID     string
	PlatformID string
	TaskType   string
	Status     string
	Error      string // empty on success
}

// TaskRetryEvent is published each time an adapter retries a platform call.
type TaskRetryEvent struct {
	TaskID     string
	PlatformID string
	Attempt    int
	DelayMs    int64
}

// ActivityPollEvent is published once per poll attempt. Error carries a
// platform fetch failure whose window was skipped.
type ActivityPollEvent struct {
	PlatformID string
	Emitted    int
	Error      string
	PolledAt   time.Time
}

// SessionEvent is published on session lifecycle changes.
type SessionEvent struct {
	PlatformID string
	AccountID  string
	Reason     string // e.g. "probe_failed", "max_age", "relogin_failed"
}
