// Package audit keeps an append-only JSONL trail of credential and session
// access. Every vault read, write and delete lands here so an operator can
// answer "what touched this account's secrets, and when".
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenhq/fanlane/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Action     string `json:"action"`
	PlatformID string `json:"platform_id"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	denialCount atomic.Int64
)

// Init opens the audit log under <home>/logs. Recording before Init, or
// after a failed Init, is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of failed accesses recorded since startup.
func FailureCount() int64 {
	return denialCount.Load()
}

// Record appends one audit entry. Detail is redacted before persistence so
// a token leaking into an error message never reaches disk.
func Record(action, platformID, outcome, detail, traceID string) {
	if outcome == "failure" {
		denialCount.Add(1)
	}
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Action:     action,
		PlatformID: platformID,
		Outcome:    outcome,
		Detail:     detail,
		TraceID:    traceID,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
