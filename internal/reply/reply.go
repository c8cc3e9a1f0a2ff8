// Package reply implements the Reply Correlator (C10): inbound webhook
// ingestion, plus-address parsing, fingerprint-keyed idempotency, ledger
// update and event publish. Grounded on the teacher's
// internal/worker/webhook_receiver.go ingestion-and-insert shape and
// internal/tracking/consumer.go's ledger-mutation-on-event pattern,
// restructured around the spec's single-table reply model instead of the
// teacher's mailing_tracking_events/mailing_inbox_profiles pair.
package reply

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/eventlog"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/replystore"
)

// ErrNoCorrelation is returned when the inbound "to" address does not carry
// a recognizable plus-addressed campaign/contact pair.
var ErrNoCorrelation = errors.New("reply: no campaignId/contactId in to address")

// SnippetLen bounds Reply.Snippet / LedgerRow.LastReplySnippet (spec §4.8:
// "first 500 chars").
const SnippetLen = 500

// plusAddressRe matches local+{campaignId}+{contactId}@domain, the
// plus-addressing convention spec §4.8 names.
var plusAddressRe = regexp.MustCompile(`^[^+@]+\+([^+@]+)\+([^+@]+)@`)

// Inbound is the raw shape a webhook handler decodes a provider payload
// into before correlation.
type Inbound struct {
	MessageID string
	From      string
	To        string
	Subject   string
	Text      string
	HTML      string
}

// ParsePlusAddress extracts (campaignId, contactId) from a plus-addressed
// "to" header. ErrNoCorrelation if the address doesn't match the pattern.
func ParsePlusAddress(to string) (campaignID, contactID string, err error) {
	m := plusAddressRe.FindStringSubmatch(strings.TrimSpace(to))
	if m == nil {
		return "", "", ErrNoCorrelation
	}
	return m[1], m[2], nil
}

// Fingerprint computes the idempotency key spec §4.8 defines:
// messageId if present, else SHA256(from|to|subject|text).
func Fingerprint(in Inbound) string {
	if in.MessageID != "" {
		return in.MessageID
	}
	sum := sha256.Sum256([]byte(in.From + "|" + in.To + "|" + in.Subject + "|" + in.Text))
	return hex.EncodeToString(sum[:])
}

// Correlator wires the stores and bus an inbound reply touches.
type Correlator struct {
	Replies *replystore.Store
	Ledger  *ledgerstore.Store
	Events  *eventlog.Store
	Bus     *eventbus.Bus
}

// New creates a Correlator.
func New(replies *replystore.Store, ledger *ledgerstore.Store, events *eventlog.Store, bus *eventbus.Bus) *Correlator {
	return &Correlator{Replies: replies, Ledger: ledger, Events: events, Bus: bus}
}

// Result reports what Ingest did, so a webhook handler can shape its HTTP
// response (200 either way; Duplicate distinguishes the body).
type Result struct {
	Duplicate bool
	Reply     *domain.Reply
}

// Ingest correlates and idempotently records one inbound reply (spec
// §4.8 and the round-trip invariant in §8: "ingested twice yields exactly
// one Reply row, one reply event, one replied=true transition").
func (c *Correlator) Ingest(ctx context.Context, in Inbound) (Result, error) {
	campaignID, contactID, err := ParsePlusAddress(in.To)
	if err != nil {
		return Result{}, err
	}

	fp := Fingerprint(in)
	reply := &domain.Reply{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		ContactID:   contactID,
		Fingerprint: fp,
		MessageID:   in.MessageID,
		From:        in.From,
		To:          in.To,
		Subject:     in.Subject,
		Text:        in.Text,
		HTML:        in.HTML,
	}

	inserted, err := c.Replies.Insert(ctx, reply)
	if err != nil {
		return Result{}, fmt.Errorf("reply: insert: %w", err)
	}
	if !inserted {
		existing, err := c.Replies.GetByFingerprint(ctx, fp)
		if err != nil {
			return Result{}, fmt.Errorf("reply: load duplicate: %w", err)
		}
		return Result{Duplicate: true, Reply: existing}, nil
	}

	now := time.Now().UTC()
	snippet := reply.Snippet(SnippetLen)

	if err := c.Events.Append(ctx, &domain.CampaignEvent{
		CampaignID: campaignID,
		ContactID:  contactID,
		Type:       domain.EventReply,
	}); err != nil {
		logger.Error("reply: append event failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}

	if err := c.Ledger.RecordReply(ctx, campaignID, contactID, snippet, now); err != nil {
		// The reply row is already committed; a ledger-write failure here
		// is logged and not retried (the Reconciler does not repair reply
		// fields), the same "ledger write failure does not mask success"
		// policy the worker follows (spec §7).
		logger.Error("reply: record on ledger failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}

	if err := c.Bus.Publish(ctx, eventbus.ContactUpdateChannel(campaignID), eventbus.ContactUpdate{
		CampaignID:  campaignID,
		ContactID:   contactID,
		Event:       string(domain.EventReply),
		LastReplyAt: now.Format(time.RFC3339),
	}); err != nil {
		logger.Warn("reply: publish contact update failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}

	return Result{Reply: reply}, nil
}
