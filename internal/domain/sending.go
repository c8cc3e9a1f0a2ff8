package domain

import "time"

// ESPType identifies the transport used to hand a message to the network.
// Out-of-scope SMTP vendors from the teacher's original ESP roster are
// dropped; the delivery worker (C7) treats the sender as pluggable and
// only two concrete transports are shipped.
type ESPType string

const (
	ESPSMTP ESPType = "smtp"
	ESPSES  ESPType = "ses"
)

// EmailMessage is the fully-rendered message ready for a Sender. By the
// time a message reaches this struct, HTML rewriting (C6) and template
// substitution are complete.
type EmailMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	ContactID   string            `json:"contact_id"`
	Email       string            `json:"email"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"-"`
}

// SendResult is returned by a Sender after attempting delivery.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	ESPType   ESPType   `json:"esp_type"`
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
}

// SendingProfile holds the credentials and configuration for the transport
// in use. Only the fields a pluggable Sender needs survive from the
// teacher's broader multi-ESP profile.
type SendingProfile struct {
	VendorType ESPType `json:"vendor_type" db:"vendor_type"`
	SMTPHost   string  `json:"smtp_host" db:"smtp_host"`
	SMTPPort   int     `json:"smtp_port" db:"smtp_port"`
	SMTPUser   string  `json:"-" db:"smtp_username"`
	SMTPPass   string  `json:"-" db:"smtp_password"`
	SESRegion  string  `json:"ses_region,omitempty" db:"ses_region"`
}
