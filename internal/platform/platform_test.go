package platform

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubAdapter struct {
	name    string
	browser bool
	calls   []TaskType
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) CredentialRequirements() []string { return []string{"access_token"} }
func (s *stubAdapter) ValidateCredentials(creds map[string]string) bool {
	return creds["access_token"] != ""
}
func (s *stubAdapter) Initialize(ctx context.Context, platformID string, creds map[string]string) error {
	return nil
}
func (s *stubAdapter) record(req TaskRequest) Result {
	s.calls = append(s.calls, req.Type)
	return Success(s.name, req.Type, "entity-1", nil)
}
func (s *stubAdapter) PostContent(ctx context.Context, req TaskRequest) Result { return s.record(req) }
func (s *stubAdapter) SendDM(ctx context.Context, req TaskRequest) Result { return s.record(req) }
func (s *stubAdapter) AdjustPricing(ctx context.Context, req TaskRequest) Result { return s.record(req) }
func (s *stubAdapter) SchedulePost(ctx context.Context, req TaskRequest) Result { return s.record(req) }
func (s *stubAdapter) FetchMetrics(ctx context.Context, req TaskRequest) Result { return s.record(req) }
func (s *stubAdapter) FetchActivity(ctx context.Context, platformID string, since time.Time) ([]ActivityEvent, error) {
	return nil, nil
}
func (s *stubAdapter) BrowserBacked() bool { return s.browser }

func TestDispatch_RoutesEveryTaskType(t *testing.T) {
	a := &stubAdapter{name: "stub"}
	for _, tt := range TaskTypes() {
		res := Dispatch(context.Background(), a, TaskRequest{Type: tt})
		if !res.Success {
			t.Fatalf("Dispatch(%s).Success = false, want true", tt)
		}
		if res.TaskType != tt {
			t.Fatalf("result task type = %s, want %s", res.TaskType, tt)
		}
	}
	if len(a.calls) != len(TaskTypes()) {
		t.Fatalf("adapter saw %d calls, want %d", len(a.calls), len(TaskTypes()))
	}
}

func TestDispatch_UnknownTaskType(t *testing.T) {
	a := &stubAdapter{name: "stub"}
	res := Dispatch(context.Background(), a, TaskRequest{Type: "REBOOT_UNIVERSE"})
	if res.Success {
		t.Fatalf("Dispatch(unknown).Success = true, want false")
	}
	if res.ErrorKind != ErrKindValidation {
		t.Fatalf("error kind = %s, want %s", res.ErrorKind, ErrKindValidation)
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		err       error
		wantKind  ErrorKind
		wantRetry bool
	}{
		{NewError(ErrKindRateLimit, "post", "throttled"), ErrKindRateLimit, true},
		{NewError(ErrKindTransient, "fetch", "connection reset"), ErrKindTransient, true},
		{NewError(ErrKindAuthentication, "init", "token rejected"), ErrKindAuthentication, false},
		{NewError(ErrKindSessionInvalid, "dm", "logged out"), ErrKindSessionInvalid, false},
		{NewError(ErrKindValidation, "post", "empty content"), ErrKindValidation, false},
		{NewError(ErrKindUnsupported, "pricing", "not available"), ErrKindUnsupported, false},
		{errors.New("plain"), ErrKindInternal, false},
		{fmt.Errorf("wrapped: %w", WrapError(ErrKindRateLimit, "dm", errors.New("429"))), ErrKindRateLimit, true},
	}
	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.wantKind {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.wantKind)
		}
		if got := Retryable(tc.err); got != tc.wantRetry {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.wantRetry)
		}
	}
}

func TestFailure_CarriesKindAndMessage(t *testing.T) {
	err := NewError(ErrKindSessionInvalid, "post", "session expired for %s", "acct-1")
	res := Failure("fanforge", TaskPostContent, err)
	if res.Success {
		t.Fatalf("Failure().Success = true, want false")
	}
	if res.ErrorKind != ErrKindSessionInvalid {
		t.Fatalf("error kind = %s, want %s", res.ErrorKind, ErrKindSessionInvalid)
	}
	if res.Error == "" {
		t.Fatalf("error message is empty")
	}
	if res.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubAdapter{name: "patreon"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&stubAdapter{name: "patreon"}); err == nil {
		t.Fatalf("duplicate Register succeeded, want error")
	}
	if got := r.Get("patreon"); got == nil {
		t.Fatalf("Get(patreon) = nil, want adapter")
	}
	if got := r.Get("unknown"); got != nil {
		t.Fatalf("Get(unknown) = %v, want nil", got)
	}
	if err := r.Register(nil); err == nil {
		t.Fatalf("Register(nil) succeeded, want error")
	}
}

func TestIsBrowserBacked(t *testing.T) {
	if IsBrowserBacked(&stubAdapter{name: "patreon", browser: false}) {
		t.Fatalf("IsBrowserBacked(rest) = true, want false")
	}
	if !IsBrowserBacked(&stubAdapter{name: "fanforge", browser: true}) {
		t.Fatalf("IsBrowserBacked(browser) = false, want true")
	}
}
