package fanforge

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lumenhq/fanlane/internal/platform"
)

// notification is the JSON state FanForge embeds in each notification node.
type notification struct {
	Kind        string `json:"kind"` // subscribe, resubscribe, tier_change, unsubscribe, message, tip
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	AmountCents int    `json:"amount_cents"`
	TierID      string `json:"tier_id"`
	TierName    string `json:"tier_name"`
	CreatedAt   string `json:"created_at"`
}

func parseNotification(raw string) (platform.ActivityEvent, bool) {
	raw = strings.TrimSpace(raw)
	var n notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil || n.Kind == "" {
		return platform.ActivityEvent{}, false
	}
	ev := platform.ActivityEvent{
		UserID:      n.UserID,
		Username:    n.Username,
		AmountCents: n.AmountCents,
		TierID:      n.TierID,
		TierName:    n.TierName,
		Metadata:    map[string]any{"source_kind": n.Kind},
	}
	if t, err := time.Parse(time.RFC3339, n.CreatedAt); err == nil {
		ev.Timestamp = t.UTC()
	}
	switch n.Kind {
	case "subscribe", "resubscribe":
		ev.Type = platform.ActivityNewPledge
	case "tier_change":
		ev.Type = platform.ActivityUpdatedPledge
	case "unsubscribe":
		ev.Type = platform.ActivityDeletedPledge
	case "message":
		ev.Type = platform.ActivityNewMessage
	default:
		ev.Type = platform.ActivityOther
	}
	return ev, true
}

var statLine = regexp.MustCompile(`(?i)([a-z ]+?):\s*\$?([\d,]+(?:\.\d+)?)`)

// parseStats pulls labeled numbers out of the stats panel text, e.g.
// "Subscribers: 128" or "Monthly revenue: $1,204.50".
func parseStats(raw string) map[string]any {
	out := map[string]any{}
	for _, m := range statLine.FindAllStringSubmatch(raw, -1) {
		label := strings.ToLower(strings.TrimSpace(m[1]))
		label = strings.ReplaceAll(label, " ", "_")
		numStr := strings.ReplaceAll(m[2], ",", "")
		if v, err := strconv.ParseFloat(numStr, 64); err == nil {
			out[label] = v
		}
	}
	return out
}
