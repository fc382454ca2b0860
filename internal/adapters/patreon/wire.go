package patreon

import (
	"time"

	"github.com/lumenhq/fanlane/internal/platform"
)

// Wire shapes for Patreon's JSON:API payloads. Only the fields we consume.

type identityResponse struct {
	Data struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
	Included []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"included"`
}

type entityResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type postBody struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Content     string   `json:"content"`
			MediaURLs   []string `json:"media_urls,omitempty"`
			PublishedAt string   `json:"published_at,omitempty"`
		} `json:"attributes"`
	} `json:"data"`
}

type messageBody struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Content string `json:"content"`
		} `json:"attributes"`
		Relationships struct {
			Recipient struct {
				Data struct {
					ID   string `json:"id"`
					Type string `json:"type"`
				} `json:"data"`
			} `json:"recipient"`
		} `json:"relationships"`
	} `json:"data"`
}

type campaignResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			PatronCount     int `json:"patron_count"`
			PledgeSum       int `json:"pledge_sum"`
			PaidMemberCount int `json:"paid_member_count"`
		} `json:"attributes"`
	} `json:"data"`
}

type pledgeEvent struct {
	ID         string `json:"id"`
	Attributes struct {
		Type        string `json:"type"` // pledge_start, pledge_upgrade, pledge_downgrade, pledge_delete
		AmountCents int    `json:"amount_cents"`
		Date        string `json:"date"`
		TierID      string `json:"tier_id"`
		TierTitle   string `json:"tier_title"`
	} `json:"attributes"`
	Relationships struct {
		Patron struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"patron"`
	} `json:"relationships"`
}

type pledgeEventsResponse struct {
	Data []pledgeEvent `json:"data"`
}

// normalizePledgeEvent maps a Patreon pledge event onto the canonical
// activity shape.
func normalizePledgeEvent(raw pledgeEvent) platform.ActivityEvent {
	ev := platform.ActivityEvent{
		UserID:      raw.Relationships.Patron.Data.ID,
		AmountCents: raw.Attributes.AmountCents,
		TierID:      raw.Attributes.TierID,
		TierName:    raw.Attributes.TierTitle,
		Metadata:    map[string]any{"source_event_id": raw.ID, "source_type": raw.Attributes.Type},
	}
	if t, err := time.Parse(time.RFC3339, raw.Attributes.Date); err == nil {
		ev.Timestamp = t.UTC()
	}
	switch raw.Attributes.Type {
	case "pledge_start":
		ev.Type = platform.ActivityNewPledge
	case "pledge_upgrade", "pledge_downgrade":
		ev.Type = platform.ActivityUpdatedPledge
	case "pledge_delete":
		ev.Type = platform.ActivityDeletedPledge
	default:
		ev.Type = platform.ActivityOther
	}
	return ev
}
