package domain

import "time"

// LedgerStatus enumerates the states of a single (campaignId, contactId) row.
type LedgerStatus string

const (
	LedgerPending    LedgerStatus = "pending"
	LedgerSending    LedgerStatus = "sending"
	LedgerSent       LedgerStatus = "sent"
	LedgerFailed     LedgerStatus = "failed"
	LedgerManualHold LedgerStatus = "manual_hold"
)

// FollowUpStepStatus tracks the outcome of a single follow-up slot.
type FollowUpStepStatus string

const (
	StepScheduled FollowUpStepStatus = "scheduled"
	StepSent      FollowUpStepStatus = "sent"
	StepSkipped   FollowUpStepStatus = "skipped"
)

// FollowUpPlanEntry mirrors one Campaign.FollowUps[i] entry for a single
// recipient.
type FollowUpPlanEntry struct {
	Status        FollowUpStepStatus `json:"status" db:"status"`
	ScheduledFor  *time.Time         `json:"scheduled_for,omitempty" db:"scheduled_for"`
	SentAt        *time.Time         `json:"sent_at,omitempty" db:"sent_at"`
	SkippedAt     *time.Time         `json:"skipped_at,omitempty" db:"skipped_at"`
	SkippedReason string             `json:"skipped_reason,omitempty" db:"skipped_reason"`
}

// LedgerRow is the authoritative per-recipient state record, unique by
// (CampaignID, ContactID). currentStepIndex of -1 designates the initial
// message; 0..N-1 designates FollowUps[i].
type LedgerRow struct {
	CampaignID string       `json:"campaign_id" db:"campaign_id"`
	ContactID  string       `json:"contact_id" db:"contact_id"`
	Email      string       `json:"email" db:"email"`
	Status     LedgerStatus `json:"status" db:"status"`

	// Attempts is user-visible, set to 1 by the row's first attempt (of any
	// step) and bumped by explicit control-plane retries. BgAttempts is the lifetime
	// queue-driven counter, incremented on every attempt across every step
	// and never reset. Exhaustion is judged against CurrentStepBgAttempt
	// below, not this field (spec §8 invariant 3).
	Attempts   int `json:"attempts" db:"attempts"`
	BgAttempts int `json:"bg_attempts" db:"bg_attempts"`

	// CurrentStepBgAttempt is the queue-driven counter for the step
	// currently in flight; ResetForRetry zeroes it on a control-plane retry.
	CurrentStepIndex     int `json:"current_step_index" db:"current_step_index"`
	CurrentStepAttempts  int `json:"current_step_attempts" db:"current_step_attempts"`
	CurrentStepBgAttempt int `json:"current_step_bg_attempts" db:"current_step_bg_attempts"`

	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	OpenedAt       *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	LastClickAt    *time.Time `json:"last_click_at,omitempty" db:"last_click_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`

	Replied          bool       `json:"replied" db:"replied"`
	RepliesCount     int        `json:"replies_count" db:"replies_count"`
	LastReplyAt      *time.Time `json:"last_reply_at,omitempty" db:"last_reply_at"`
	LastReplySnippet string     `json:"last_reply_snippet,omitempty" db:"last_reply_snippet"`

	FollowUpPlan []FollowUpPlanEntry `json:"follow_up_plan" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StepName returns a human-readable label for the current step, used in
// logs and events. -1 is the initial message.
func (r *LedgerRow) StepName(c *Campaign) string {
	if r.CurrentStepIndex < 0 {
		return "initial"
	}
	if c != nil && r.CurrentStepIndex < len(c.FollowUps) && c.FollowUps[r.CurrentStepIndex].Name != "" {
		return c.FollowUps[r.CurrentStepIndex].Name
	}
	return "followup"
}
