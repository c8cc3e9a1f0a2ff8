package domain

import "time"

// CampaignEventType enumerates the append-only engagement events recorded
// for a (campaignId, contactId) pair.
type CampaignEventType string

const (
	EventOpen            CampaignEventType = "open"
	EventClick           CampaignEventType = "click"
	EventReply           CampaignEventType = "reply"
	EventFollowUpSent    CampaignEventType = "followup_sent"
	EventFollowUpSkipped CampaignEventType = "followup_skipped"
)

// CampaignEvent is an append-only analytics row. It is never mutated once
// written.
type CampaignEvent struct {
	ID         string            `json:"id" db:"id"`
	CampaignID string            `json:"campaign_id" db:"campaign_id"`
	ContactID  string            `json:"contact_id" db:"contact_id"`
	Type       CampaignEventType `json:"type" db:"type"`
	URL        string            `json:"url,omitempty" db:"url"`
	UserAgent  string            `json:"ua,omitempty" db:"user_agent"`
	IP         string            `json:"ip,omitempty" db:"ip"`
	Trace      string            `json:"trace,omitempty" db:"trace"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}
