package domain

import "time"

// Reply is an inbound message correlated to a (campaignId, contactId) pair
// via its plus-address. Unique by Fingerprint.
type Reply struct {
	ID          string    `json:"id" db:"id"`
	CampaignID  string    `json:"campaign_id" db:"campaign_id"`
	ContactID   string    `json:"contact_id" db:"contact_id"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	MessageID   string    `json:"message_id,omitempty" db:"message_id"`
	From        string    `json:"from" db:"from_address"`
	To          string    `json:"to" db:"to_address"`
	Subject     string    `json:"subject" db:"subject"`
	Text        string    `json:"text" db:"text_body"`
	HTML        string    `json:"html,omitempty" db:"html_body"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Snippet returns the first n characters of the reply body, used to
// populate LedgerRow.LastReplySnippet.
func (r *Reply) Snippet(n int) string {
	body := r.Text
	if body == "" {
		body = r.HTML
	}
	runes := []rune(body)
	if len(runes) <= n {
		return body
	}
	return string(runes[:n])
}
