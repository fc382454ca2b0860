// Package session manages authenticated browser sessions for platforms that
// expose no API. Captured cookies and local storage live encrypted in the
// credential vault; live browser engines are pooled and every account's
// session is used by at most one task at a time.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// VaultField is the credential key under which the serialized session record
// is stored for a browser-backed account.
const VaultField = "session_blob"

// recordVersion is bumped when the serialized shape changes. Records with an
// unknown version are treated as invalid and force a recapture.
const recordVersion = 1

// Cookie is the persisted form of one browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"same_site,omitempty"`
}

// Record is everything needed to restore a logged-in browser state.
type Record struct {
	Version         int               `json:"version"`
	PlatformID      string            `json:"platform_id"`
	Cookies         []Cookie          `json:"cookies"`
	LocalStorage    map[string]string `json:"local_storage,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	CapturedAt      time.Time         `json:"captured_at"`
	LastValidatedAt time.Time         `json:"last_validated_at"`
}

// Encode serializes the record for vault storage.
func (r *Record) Encode() (string, error) {
	r.Version = recordVersion
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("session: encode record: %w", err)
	}
	return string(b), nil
}

// DecodeRecord parses a vault blob. Unknown versions are rejected so a stale
// format never half-restores a session.
func DecodeRecord(blob string) (*Record, error) {
	if blob == "" {
		return nil, fmt.Errorf("session: empty record")
	}
	var r Record
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("session: decode record: %w", err)
	}
	if r.Version != recordVersion {
		return nil, fmt.Errorf("session: unsupported record version %d", r.Version)
	}
	return &r, nil
}

// Age returns the time since the session was captured.
func (r *Record) Age() time.Duration {
	return time.Since(r.CapturedAt)
}
