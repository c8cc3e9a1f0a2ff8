// Package tracking implements the open-pixel and click-redirect HTTP
// endpoints (spec §6 "Tracking endpoints"). Adapted from the teacher's
// internal/tracking/handler.go: the route shapes, the 1x1 GIF byte
// literal, and the realIP forwarded-for parsing survive verbatim; the
// base64(org|campaign|subscriber|email) token decoding and the SQS
// publish are replaced with rewriter.DecodeClickURL and direct writes to
// the ledger, event log, cache and event bus (no fan-out queue needed at
// this scale, per spec §5).
package tracking

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/eventlog"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/rewriter"
)

// 1x1 transparent GIF, served for every open-pixel request regardless of
// whether the (campaignId, contactId) pair resolves.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// fallbackRedirect is where a click with an undecodable u= parameter lands,
// rather than a dead-end error page.
const fallbackRedirect = "/"

// Handler exposes the tracking endpoints.
type Handler struct {
	Ledger *ledgerstore.Store
	Events *eventlog.Store
	Cache  *metacache.Cache
	Bus    *eventbus.Bus
}

// NewHandler creates a Handler.
func NewHandler(ledger *ledgerstore.Store, events *eventlog.Store, cache *metacache.Cache, bus *eventbus.Bus) *Handler {
	return &Handler{Ledger: ledger, Events: events, Cache: cache, Bus: bus}
}

// Routes mounts the tracking endpoints under /api/track (spec §6).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open/{campaignId}/{contactId}", h.HandleOpen)
	r.Get("/click/{campaignId}/{contactId}", h.HandleClick)
	return r
}

// HandleOpen serves the tracking pixel and records the open on every fetch;
// MarkOpened sets openedAt only on the first (spec §6: "insert open event, $set openedAt, publish contact
// update"; §8: "pixel fetched N times increments open event count by N,
// but openedAt is set at most once").
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignId")
	contactID := chi.URLParam(r, "contactId")
	ctx := r.Context()

	if err := h.Events.Append(ctx, &domain.CampaignEvent{
		CampaignID: campaignID,
		ContactID:  contactID,
		Type:       domain.EventOpen,
		UserAgent:  r.UserAgent(),
		IP:         realIP(r),
	}); err != nil {
		logger.Error("tracking: append open event failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}

	if err := h.Ledger.MarkOpened(ctx, campaignID, contactID); err != nil {
		logger.Error("tracking: mark opened failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}
	if err := h.Cache.IncrMetric(ctx, campaignID, "opens"); err != nil {
		logger.Warn("tracking: incr opens metric failed", "error", err.Error(), "campaign_id", campaignID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.Bus.Publish(ctx, eventbus.ContactUpdateChannel(campaignID), eventbus.ContactUpdate{
		CampaignID: campaignID,
		ContactID:  contactID,
		Event:      string(domain.EventOpen),
		OpenedAt:   now,
	}); err != nil {
		logger.Warn("tracking: publish open update failed", "error", err.Error(), "campaign_id", campaignID)
	}

	h.servePixel(w)
}

// HandleClick decodes the destination URL, backfills a missing open,
// records the click, and redirects (spec §6: "302 to decoded destination;
// side effect: backfill open if missing, insert click event, $set
// lastClickAt, publish contact update").
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignId")
	contactID := chi.URLParam(r, "contactId")
	ctx := r.Context()

	dest, ok := rewriter.DecodeClickURL(r.URL.Query().Get("u"))
	if !ok {
		http.Redirect(w, r, fallbackRedirect, http.StatusFound)
		return
	}

	if row, err := h.Ledger.Get(ctx, campaignID, contactID); err == nil && row.OpenedAt == nil {
		if err := h.Ledger.MarkOpened(ctx, campaignID, contactID); err != nil {
			logger.Error("tracking: backfill open failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
		}
		if err := h.Events.Append(ctx, &domain.CampaignEvent{
			CampaignID: campaignID, ContactID: contactID, Type: domain.EventOpen,
		}); err != nil {
			logger.Error("tracking: append backfilled open event failed", "error", err.Error(), "campaign_id", campaignID)
		}
	} else if err != nil && err != ledgerstore.ErrNotFound {
		logger.Warn("tracking: load ledger row for backfill failed", "error", err.Error(), "campaign_id", campaignID)
	}

	if err := h.Events.Append(ctx, &domain.CampaignEvent{
		CampaignID: campaignID,
		ContactID:  contactID,
		Type:       domain.EventClick,
		URL:        dest,
		UserAgent:  r.UserAgent(),
		IP:         realIP(r),
	}); err != nil {
		logger.Error("tracking: append click event failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}
	if err := h.Ledger.MarkClicked(ctx, campaignID, contactID); err != nil {
		logger.Error("tracking: mark clicked failed", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
	}
	if err := h.Cache.IncrMetric(ctx, campaignID, "clicks"); err != nil {
		logger.Warn("tracking: incr clicks metric failed", "error", err.Error(), "campaign_id", campaignID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.Bus.Publish(ctx, eventbus.ContactUpdateChannel(campaignID), eventbus.ContactUpdate{
		CampaignID:  campaignID,
		ContactID:   contactID,
		Event:       string(domain.EventClick),
		LastClickAt: now,
	}); err != nil {
		logger.Warn("tracking: publish click update failed", "error", err.Error(), "campaign_id", campaignID)
	}

	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
