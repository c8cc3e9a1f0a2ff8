// Package control implements the Control Plane (C9): pause, resume,
// cancel, delete, retryContact, retryFailed and reconcile. Grounded on the teacher's
// campaign.Service.Send guard pattern (acquire a distributed lock keyed by
// campaign ID before mutating shared state, release on return) and
// internal/pkg/distlock's Redis-first lock, so two operators racing the
// same cancel or delete never interleave.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/campaignstore"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/finalize"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
)

// ErrNotRunning is returned by operations that require the campaign to be
// actively running.
var ErrNotRunning = errors.New("control: campaign is not running")

// ErrConfirmRequired is returned by Delete when confirm is not set.
var ErrConfirmRequired = errors.New("control: delete requires confirm=true")

// ErrDeleteWhileRunning is returned by Delete on a still-running campaign.
var ErrDeleteWhileRunning = errors.New("control: cannot delete a running campaign")

// ErrNotEligible is returned by RetryContact when the row does not meet
// the retry-eligibility rule.
var ErrNotEligible = errors.New("control: contact is not eligible for retry")

// LockTTL bounds how long a control-plane operation may hold its
// distributed lock before it is assumed abandoned.
const LockTTL = 30 * time.Second

// RetryFailedCap bounds how many rows a single retryFailed call re-enqueues,
// per the server-side cap spec section 4.7 calls for.
const RetryFailedCap = 5000

// Plane wires the stores a control operation touches.
type Plane struct {
	Campaigns   *campaignstore.Store
	Ledger      *ledgerstore.Store
	Queue       *queue.Queue
	Cache       *metacache.Cache
	Bus         *eventbus.Bus
	Finalizer   *finalize.Finalizer
	RedisClient *redis.Client // preferred lock backend; may be nil
	DB          *sql.DB       // PG advisory-lock fallback when RedisClient is nil
	MaxAttempts int
}

func (p *Plane) lock(campaignID string) distlock.DistLock {
	return distlock.NewLock(p.RedisClient, p.DB, "campaign:"+campaignID, LockTTL)
}

func (p *Plane) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 3
}

// Pause sets the campaign to paused. Running workers observe this on their
// next READ_STATUS and no-op without consuming a retry.
func (p *Plane) Pause(ctx context.Context, campaignID string) error {
	return p.withLock(ctx, campaignID, func() error {
		if err := p.Campaigns.SetStatus(ctx, campaignID, domain.CampaignPaused); err != nil {
			return fmt.Errorf("control: pause: %w", err)
		}
		if err := p.Cache.SetStatus(ctx, campaignID, domain.CampaignPaused); err != nil {
			logger.Warn("control: pause cache update failed", "error", err.Error(), "campaign_id", campaignID)
		}
		return nil
	})
}

// Resume sets the campaign back to running. Pending ledger rows become
// eligible again on the next claim cycle.
func (p *Plane) Resume(ctx context.Context, campaignID string) error {
	return p.withLock(ctx, campaignID, func() error {
		if err := p.Campaigns.SetStatus(ctx, campaignID, domain.CampaignRunning); err != nil {
			return fmt.Errorf("control: resume: %w", err)
		}
		if err := p.Cache.SetStatus(ctx, campaignID, domain.CampaignRunning); err != nil {
			logger.Warn("control: resume cache update failed", "error", err.Error(), "campaign_id", campaignID)
		}
		return nil
	})
}

// Cancel stops a campaign: every pending ledger row becomes failed with
// lastError="cancelled", queued jobs are removed, and a cancelled event is
// published. Already-sent rows are untouched.
func (p *Plane) Cancel(ctx context.Context, campaignID string) error {
	return p.withLock(ctx, campaignID, func() error {
		if err := p.Campaigns.SetStatus(ctx, campaignID, domain.CampaignCancelled); err != nil {
			return fmt.Errorf("control: cancel: %w", err)
		}
		cancelled, err := p.Ledger.CancelPending(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("control: cancel pending rows: %w", err)
		}
		if _, err := p.Queue.Remove(ctx, campaignID); err != nil {
			logger.Error("control: remove queued jobs failed", "error", err.Error(), "campaign_id", campaignID)
		}
		if err := p.Cache.SetStatus(ctx, campaignID, domain.CampaignCancelled); err != nil {
			logger.Warn("control: cancel cache update failed", "error", err.Error(), "campaign_id", campaignID)
		}
		if err := p.Bus.PublishCampaignNew(ctx, eventbus.CampaignLifecycle{
			ID:     campaignID,
			Status: string(domain.CampaignCancelled),
		}); err != nil {
			logger.Warn("control: publish cancelled failed", "error", err.Error(), "campaign_id", campaignID)
		}
		logger.Info("control: campaign cancelled", "campaign_id", campaignID, "rows_cancelled", cancelled)
		return nil
	})
}

// Delete removes a campaign entirely: queued jobs, cache keys, the
// campaign document, and every ledger row. Requires confirm=true and a
// non-running campaign.
func (p *Plane) Delete(ctx context.Context, campaignID string, confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	return p.withLock(ctx, campaignID, func() error {
		camp, err := p.Campaigns.Get(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("control: delete lookup: %w", err)
		}
		if camp.Status == domain.CampaignRunning {
			return ErrDeleteWhileRunning
		}
		if _, err := p.Queue.Remove(ctx, campaignID); err != nil {
			logger.Error("control: remove queued jobs failed", "error", err.Error(), "campaign_id", campaignID)
		}
		if err := p.Cache.DeleteAll(ctx, campaignID); err != nil {
			logger.Warn("control: delete cache keys failed", "error", err.Error(), "campaign_id", campaignID)
		}
		if err := p.Ledger.DeleteCampaign(ctx, campaignID); err != nil {
			return fmt.Errorf("control: delete ledger rows: %w", err)
		}
		if err := p.Campaigns.Delete(ctx, campaignID); err != nil {
			return fmt.Errorf("control: delete campaign doc: %w", err)
		}
		if err := p.Bus.PublishCampaignNew(ctx, eventbus.CampaignLifecycle{
			ID:     campaignID,
			Status: "deleted",
		}); err != nil {
			logger.Warn("control: publish deleted failed", "error", err.Error(), "campaign_id", campaignID)
		}
		return nil
	})
}

// RetryContact re-enqueues one failed contact. Eligibility: status=failed,
// attempts<MAX_ATTEMPTS, and the current step already exhausted its
// background attempts. A fresh job means a fresh job in the durable queue
// (not a Reschedule of an old row), which is by design the only path that
// bumps the user-visible attempts counter.
func (p *Plane) RetryContact(ctx context.Context, campaignID, contactID string) error {
	row, err := p.Ledger.Get(ctx, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("control: retry lookup: %w", err)
	}
	if row.Status != domain.LedgerFailed || row.Attempts >= p.maxAttempts() || row.CurrentStepBgAttempt < p.maxAttempts() {
		return ErrNotEligible
	}
	if err := p.Ledger.ResetForRetry(ctx, campaignID, contactID); err != nil {
		return fmt.Errorf("control: reset for retry: %w", err)
	}
	kind, stepIndex := stepKindFor(row.CurrentStepIndex)
	if _, err := p.Queue.Enqueue(ctx, campaignID, contactID, kind, stepIndex, queue.EnqueueOptions{MaxAttempts: p.maxAttempts()}); err != nil {
		return fmt.Errorf("control: enqueue retry: %w", err)
	}
	return nil
}

// RetryFailed batches RetryContact over every eligible row in a campaign,
// bounded by RetryFailedCap.
func (p *Plane) RetryFailed(ctx context.Context, campaignID string) (int, error) {
	ids, err := p.Ledger.ListEligibleForRetry(ctx, campaignID, p.maxAttempts(), RetryFailedCap)
	if err != nil {
		return 0, fmt.Errorf("control: list eligible: %w", err)
	}
	retried := 0
	for _, contactID := range ids {
		if err := p.RetryContact(ctx, campaignID, contactID); err != nil {
			logger.Warn("control: retry failed skip", "error", err.Error(), "campaign_id", campaignID, "contact_id", contactID)
			continue
		}
		retried++
	}
	return retried, nil
}

// Reconcile triggers an immediate Finalize evaluation for campaignID,
// instead of waiting for the Reconciler's next cron sweep (spec section
// 4.7's control-plane operation list).
func (p *Plane) Reconcile(ctx context.Context, campaignID string) error {
	return p.withLock(ctx, campaignID, func() error {
		if _, err := p.Finalizer.Finalize(ctx, campaignID); err != nil {
			return fmt.Errorf("control: reconcile: %w", err)
		}
		return nil
	})
}

func (p *Plane) withLock(ctx context.Context, campaignID string, fn func() error) error {
	l := p.lock(campaignID)
	acquired, err := l.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("control: acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("control: campaign %s is locked by another operation", campaignID)
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			logger.Warn("control: release lock failed", "error", err.Error(), "campaign_id", campaignID)
		}
	}()
	return fn()
}

func stepKindFor(currentStepIndex int) (kind string, stepIndex int) {
	if currentStepIndex < 0 {
		return "initial", -1
	}
	return "followup", currentStepIndex
}
