// Package finalize computes authoritative totals for a campaign,
// transitions it to a terminal status once every recipient has been
// processed, and runs a periodic sweep that repairs drift left behind by a
// crash mid-commit, a cache eviction, or an out-of-order counter update.
// Grounded on the teacher's EnqueueCampaign completion bookkeeping and the
// ticker-loop shape of QuotaResetWorker/BackpressureMonitor, with the
// sweep cadence driven by robfig/cron instead of a bare ticker so the
// interval is an operator-configurable cron expression.
package finalize

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-engine/internal/campaignstore"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Finalizer computes and commits terminal campaign state.
type Finalizer struct {
	Campaigns *campaignstore.Store
	Ledger    *ledgerstore.Store
	Cache     *metacache.Cache
	Bus       *eventbus.Bus
}

// New creates a Finalizer.
func New(campaigns *campaignstore.Store, ledger *ledgerstore.Store, cache *metacache.Cache, bus *eventbus.Bus) *Finalizer {
	return &Finalizer{Campaigns: campaigns, Ledger: ledger, Cache: cache, Bus: bus}
}

// Finalize recomputes totals for one campaign and, if every intended
// recipient has been processed, commits the terminal status. Returns
// whether the campaign reached a terminal status on this call.
func (f *Finalizer) Finalize(ctx context.Context, campaignID string) (bool, error) {
	totals, err := f.authoritativeTotals(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("finalize: totals: %w", err)
	}

	pending := totals.Intended - totals.Processed
	if pending < 0 {
		pending = 0
	}
	total := totals.Intended
	if want := totals.Processed + pending; want > total {
		total = want
	}

	if total == 0 || totals.Processed < total {
		// Not yet complete: still flush totals so the campaign document
		// doesn't drift from the ledger while it's in flight.
		if err := f.Campaigns.WriteTotals(ctx, campaignID, totals); err != nil {
			logger.Error("finalize: write totals failed", "error", err.Error(), "campaign_id", campaignID)
		}
		return false, nil
	}

	status := domain.CampaignCompleted
	if totals.Failed > 0 {
		status = domain.CampaignCompletedWithFailures
	}

	if err := f.Campaigns.Finalize(ctx, campaignID, status, totals); err != nil {
		return false, fmt.Errorf("finalize: commit: %w", err)
	}
	if err := f.Cache.PutMeta(ctx, &domain.Campaign{ID: campaignID, Status: status, Totals: totals}); err != nil {
		logger.Error("finalize: cache put meta failed", "error", err.Error(), "campaign_id", campaignID)
	}

	if status == domain.CampaignCompleted {
		// Fully completed campaigns drop their definition blob; nothing will
		// retry against it again.
		if err := f.Cache.DeleteDefinition(ctx, campaignID); err != nil {
			logger.Warn("finalize: delete definition failed", "error", err.Error(), "campaign_id", campaignID)
		}
	}
	// completed_with_failures retains the definition so a later retry-all
	// still has content to resend.

	totalsMap := map[string]int{
		"intended":  totals.Intended,
		"processed": totals.Processed,
		"sent":      totals.Sent,
		"failed":    totals.Failed,
	}
	// Best-effort: a dropped campaign:new event is recovered on reconnect via
	// ReplayCampaignNew, so publish failures here are logged, not retried.
	if err := f.Bus.PublishCampaignNew(ctx, eventbus.CampaignLifecycle{
		ID:     campaignID,
		Status: string(status),
		Totals: totalsMap,
	}); err != nil {
		logger.Warn("finalize: publish campaign:new failed", "error", err.Error(), "campaign_id", campaignID)
	}

	return true, nil
}

// authoritativeTotals reads totals from the cache if populated; otherwise
// aggregates the ledger. The ledger is always correct; the cache is a
// shortcut to avoid a full aggregate scan on every call.
func (f *Finalizer) authoritativeTotals(ctx context.Context, campaignID string) (domain.Totals, error) {
	meta, err := f.Cache.GetMeta(ctx, campaignID)
	if err != nil {
		return domain.Totals{}, err
	}
	if meta != nil && meta.Total > 0 {
		return domain.Totals{
			Intended:  meta.Total,
			Processed: meta.Processed,
			Sent:      meta.Sent,
			Failed:    meta.Failed,
		}, nil
	}
	return f.Ledger.AggregateTotals(ctx, campaignID)
}
