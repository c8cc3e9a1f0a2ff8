package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
)

// ErrNoRecipients is returned by Start when the recipient list is empty.
var ErrNoRecipients = errors.New("control: campaign has no recipients")

// StartRequest describes a new campaign, per spec section 2: "Campaign
// start -> insert campaign doc and ledger rows". Recipients are supplied
// by the caller rather than looked up here, since contact import and list
// management are an external collaborator (domain.Contact's doc comment).
type StartRequest struct {
	Name           string
	FromName       string
	FromEmail      string
	TrackingDomain string
	Initial        domain.StepContent
	FollowUps      []domain.FollowUpDef
	Recipients     []domain.Contact
}

// Start creates a campaign document, seeds a pending ledger row and a
// queued initial-send job for every recipient, writes the cache's meta and
// definition blobs, and announces the new campaign on the event bus.
// Workers read step content from the cached definition first and fall back
// to the campaign document when the cache entry is missing.
func (p *Plane) Start(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Recipients) == 0 {
		return "", ErrNoRecipients
	}

	camp := &domain.Campaign{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Status:         domain.CampaignRunning,
		FromName:       req.FromName,
		FromEmail:      req.FromEmail,
		TrackingDomain: req.TrackingDomain,
		Initial:        req.Initial,
		FollowUps:      req.FollowUps,
		Totals:         domain.Totals{Intended: len(req.Recipients)},
	}

	if err := p.Campaigns.Create(ctx, camp); err != nil {
		return "", fmt.Errorf("control: start create campaign: %w", err)
	}

	camp, err := p.Campaigns.Get(ctx, camp.ID)
	if err != nil {
		return "", fmt.Errorf("control: start reload campaign: %w", err)
	}

	if err := p.Cache.PutMeta(ctx, camp); err != nil {
		logger.Warn("control: start put meta failed", "error", err.Error(), "campaign_id", camp.ID)
	}
	if err := p.Cache.PutDefinition(ctx, camp.ID, metacache.Definition{
		Initial:   req.Initial,
		FollowUps: req.FollowUps,
	}); err != nil {
		logger.Warn("control: start put definition failed", "error", err.Error(), "campaign_id", camp.ID)
	}

	for _, recipient := range req.Recipients {
		if err := p.Ledger.CreatePending(ctx, camp.ID, recipient.ID, recipient.Email); err != nil {
			return camp.ID, fmt.Errorf("control: start create pending ledger row: %w", err)
		}
		if _, err := p.Queue.Enqueue(ctx, camp.ID, recipient.ID, "initial", -1, queue.EnqueueOptions{MaxAttempts: p.maxAttempts()}); err != nil {
			return camp.ID, fmt.Errorf("control: start enqueue initial job: %w", err)
		}
	}

	if err := p.Bus.PublishCampaignNew(ctx, eventbus.CampaignLifecycle{
		ID:     camp.ID,
		Status: string(domain.CampaignRunning),
		Totals: map[string]int{"intended": camp.Totals.Intended},
	}); err != nil {
		logger.Warn("control: start publish new campaign failed", "error", err.Error(), "campaign_id", camp.ID)
	}

	logger.Info("control: campaign started", "campaign_id", camp.ID, "recipients", len(req.Recipients))
	return camp.ID, nil
}
