package reply

import (
	"net/http"

	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// WebhookSecretHeader is the shared-secret header spec §6 names for the
// inbound reply webhook.
const WebhookSecretHeader = "X-Webhook-Secret"

// inboundPayload is the JSON shape the webhook accepts. Provider-specific
// adapters (SES, SendGrid, Mailgun inbound parse, ...) are out of scope
// (spec §1 Non-goals: "provider-specific inbound parsing"); callers are
// expected to normalize to this shape before posting.
type inboundPayload struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
}

// Handler exposes the inbound reply webhook over HTTP.
type Handler struct {
	Correlator *Correlator
	Secret     string
}

// NewHandler creates a Handler. An empty secret disables the shared-secret
// check (useful for local development only).
func NewHandler(c *Correlator, secret string) *Handler {
	return &Handler{Correlator: c, Secret: secret}
}

// ServeWebhook handles POST /api/reply/webhook.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Secret != "" && r.Header.Get(WebhookSecretHeader) != h.Secret {
		httputil.Error(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var payload inboundPayload
	if !httputil.Decode(w, r, &payload) {
		return
	}

	result, err := h.Correlator.Ingest(r.Context(), Inbound{
		MessageID: payload.MessageID,
		From:      payload.From,
		To:        payload.To,
		Subject:   payload.Subject,
		Text:      payload.Text,
		HTML:      payload.HTML,
	})
	if err == ErrNoCorrelation {
		httputil.BadRequest(w, "to address does not carry a campaignId/contactId plus-address")
		return
	}
	if err != nil {
		logger.Error("reply: webhook ingest failed", "error", err.Error())
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"duplicate":  result.Duplicate,
		"replyId":    result.Reply.ID,
		"campaignId": result.Reply.CampaignID,
		"contactId":  result.Reply.ContactID,
	})
}
