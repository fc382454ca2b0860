// Package platform defines the capability contract every platform adapter
// implements, regardless of whether the platform exposes a documented REST API
// or must be driven through an authenticated browser session. Callers never
// branch on transport: they resolve an adapter from the registry and invoke
// the same operation set.
package platform

import (
	"context"
	"time"
)

// TaskType names one platform operation.
type TaskType string

const (
	TaskPostContent   TaskType = "POST_CONTENT"
	TaskSendDM        TaskType = "SEND_DM"
	TaskAdjustPricing TaskType = "ADJUST_PRICING"
	TaskSchedulePost  TaskType = "SCHEDULE_POST"
	TaskFetchMetrics  TaskType = "FETCH_METRICS"
)

// TaskTypes lists every supported task type.
func TaskTypes() []TaskType {
	return []TaskType{TaskPostContent, TaskSendDM, TaskAdjustPricing, TaskSchedulePost, TaskFetchMetrics}
}

// PricingChange carries a tier price adjustment.
type PricingChange struct {
	TierID      string `json:"tier_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency,omitempty"`
}

// TaskRequest is the platform-agnostic payload for one task execution.
type TaskRequest struct {
	TaskID     string   `json:"task_id"`
	PlatformID string   `json:"platform_id"`
	ClientID   string   `json:"client_id"`
	Type       TaskType `json:"task_type"`

	Content      string         `json:"content,omitempty"`
	MediaURLs    []string       `json:"media_urls,omitempty"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	Recipients   []string       `json:"recipients,omitempty"`
	Pricing      *PricingChange `json:"pricing_data,omitempty"`
}

// Result is the uniform envelope returned by every adapter operation.
// Adapters never panic or return Go errors across this boundary for expected
// failure modes; those are carried in Error/ErrorKind.
type Result struct {
	Success   bool           `json:"success"`
	Platform  string         `json:"platform_type"`
	TaskType  TaskType       `json:"task_type"`
	EntityID  string         `json:"entity_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ActivityType classifies a canonical activity event.
type ActivityType string

const (
	ActivityNewPledge     ActivityType = "new_pledge"
	ActivityUpdatedPledge ActivityType = "updated_pledge"
	ActivityDeletedPledge ActivityType = "deleted_pledge"
	ActivityNewMessage    ActivityType = "new_message"
	ActivityOther         ActivityType = "other"
)

// ActivityEvent is the platform-independent representation of one remote
// notification (new subscriber, pledge change, tip, message).
type ActivityEvent struct {
	Type        ActivityType   `json:"type"`
	UserID      string         `json:"user_id"`
	Username    string         `json:"username,omitempty"`
	AmountCents int            `json:"amount,omitempty"`
	TierID      string         `json:"tier_id,omitempty"`
	TierName    string         `json:"tier_name,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Adapter is the per-platform implementation of the capability contract.
type Adapter interface {
	// Name returns the platform type this adapter serves (e.g. "patreon").
	Name() string

	// CredentialRequirements names the credential fields the adapter needs
	// before any operation can run.
	CredentialRequirements() []string

	// ValidateCredentials reports whether the given fields are sufficient and
	// well-formed. It performs no network calls.
	ValidateCredentials(creds map[string]string) bool

	// Initialize verifies the adapter can act for the account, performing the
	// cheapest possible authenticated check.
	Initialize(ctx context.Context, platformID string, creds map[string]string) error

	PostContent(ctx context.Context, req TaskRequest) Result
	SendDM(ctx context.Context, req TaskRequest) Result
	AdjustPricing(ctx context.Context, req TaskRequest) Result
	SchedulePost(ctx context.Context, req TaskRequest) Result
	FetchMetrics(ctx context.Context, req TaskRequest) Result

	// FetchActivity returns the account's raw notification feed normalized to
	// canonical events, newest last. Items at or before since may be included;
	// the poller filters against its cursor.
	FetchActivity(ctx context.Context, platformID string, since time.Time) ([]ActivityEvent, error)
}

// BrowserBacked is implemented by adapters that drive a mutually-exclusive
// browser session per account. The dispatcher serializes tasks per account
// for these adapters; REST adapters run arbitrarily concurrently.
type BrowserBacked interface {
	BrowserBacked() bool
}

// IsBrowserBacked reports whether the adapter requires per-account
// serialization.
func IsBrowserBacked(a Adapter) bool {
	if bb, ok := a.(BrowserBacked); ok {
		return bb.BrowserBacked()
	}
	return false
}

// Dispatch invokes the adapter method matching the request's task type.
// Unknown task types come back as a validation failure.
func Dispatch(ctx context.Context, a Adapter, req TaskRequest) Result {
	switch req.Type {
	case TaskPostContent:
		return a.PostContent(ctx, req)
	case TaskSendDM:
		return a.SendDM(ctx, req)
	case TaskAdjustPricing:
		return a.AdjustPricing(ctx, req)
	case TaskSchedulePost:
		return a.SchedulePost(ctx, req)
	case TaskFetchMetrics:
		return a.FetchMetrics(ctx, req)
	default:
		return Failure(a.Name(), req.Type, NewError(ErrKindValidation, "dispatch", "unknown task type %q", req.Type))
	}
}

// Success builds a successful result envelope.
func Success(platformType string, taskType TaskType, entityID string, metadata map[string]any) Result {
	return Result{
		Success:   true,
		Platform:  platformType,
		TaskType:  taskType,
		EntityID:  entityID,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// Failure builds a failed result envelope from a (possibly classified) error.
func Failure(platformType string, taskType TaskType, err error) Result {
	return Result{
		Success:   false,
		Platform:  platformType,
		TaskType:  taskType,
		Error:     err.Error(),
		ErrorKind: KindOf(err),
		Timestamp: time.Now().UTC(),
	}
}
