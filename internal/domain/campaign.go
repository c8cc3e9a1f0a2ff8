package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignRunning               CampaignStatus = "running"
	CampaignPaused                CampaignStatus = "paused"
	CampaignCancelled             CampaignStatus = "cancelled"
	CampaignCompleted             CampaignStatus = "completed"
	CampaignCompletedWithFailures CampaignStatus = "completed_with_failures"
)

// IsTerminal reports whether status is a final state under normal operation.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCompletedWithFailures || s == CampaignCancelled
}

// FollowUpRule governs whether a follow-up step fires once its delay elapses.
type FollowUpRule string

const (
	RuleAlways  FollowUpRule = "always"
	RuleNoReply FollowUpRule = "no_reply"
	RuleReplied FollowUpRule = "replied"
)

// Attachment is a single file attached to an initial or follow-up message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// StepContent is the rendered content shared by the initial message and
// every follow-up definition.
type StepContent struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// FollowUpDef is a single follow-up step as configured on the campaign.
type FollowUpDef struct {
	Name         string       `json:"name,omitempty"`
	DelayMinutes int          `json:"delay_minutes"`
	Rule         FollowUpRule `json:"rule"`
	StepContent
}

// Totals holds the authoritative recipient counters for a campaign.
// Invariant: Processed == Sent+Failed once Finalize has run to completion.
type Totals struct {
	Intended  int `json:"intended"`
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// Campaign is the authoritative campaign document. It is created on start,
// mutated only by the control plane and the finalizer, and deleted only by
// the control plane's delete operation.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Status         CampaignStatus `json:"status" db:"status"`
	Totals         Totals         `json:"totals" db:"-"`
	Initial        StepContent    `json:"initial" db:"-"`
	FollowUps      []FollowUpDef  `json:"follow_ups" db:"-"`
	FromName       string         `json:"from_name" db:"from_name"`
	FromEmail      string         `json:"from_email" db:"from_email"`
	TrackingDomain string         `json:"tracking_domain" db:"tracking_domain"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// QueueItemStatus enumerates the lifecycle of a single delivery job as seen
// by the durable job queue. Distinct from LedgerStatus: a job can be
// reclaimed and retried several times while the ledger row stays "pending".
type QueueItemStatus string

const (
	QueueQueued     QueueItemStatus = "queued"
	QueueClaimed    QueueItemStatus = "claimed"
	QueueSending    QueueItemStatus = "sending"
	QueueDone       QueueItemStatus = "done"
	QueueDeadLetter QueueItemStatus = "dead_letter"
)
