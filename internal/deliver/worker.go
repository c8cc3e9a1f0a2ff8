package deliver

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/campaignstore"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/eventbus"
	"github.com/ignite/campaign-engine/internal/finalize"
	"github.com/ignite/campaign-engine/internal/ledgerstore"
	"github.com/ignite/campaign-engine/internal/metacache"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/rategov"
	"github.com/ignite/campaign-engine/internal/rewriter"
)

// Config holds the worker's operator-configurable knobs (spec section 6
// Environment, plus the permanent-failure-fast Open Question resolved in
// SPEC_FULL.md).
type Config struct {
	MaxAttempts          int
	PublicBaseURL        string
	PermanentFailureFast bool
}

// DefaultConfig mirrors spec section 6's MAX_ATTEMPTS default.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, PermanentFailureFast: true}
}

// Worker implements the per-job state machine of spec section 4.5.
// Grounded on internal/worker/send_worker.go's suspension-point sequence
// and internal/worker/campaign_processor.go's claim/commit shape.
type Worker struct {
	Queue     *queue.Queue
	Ledger    *ledgerstore.Store
	Campaigns *campaignstore.Store
	Cache     *metacache.Cache
	Governor  *rategov.Governor
	Bus       *eventbus.Bus
	Sender    Sender
	Finalizer *finalize.Finalizer
	Cfg       Config
}

// finalizeCampaign runs the hot-path completion check (spec section 4.5's FINALIZE
// transition) after a job resolves. The Reconciler's cron sweep is left to
// repair drift only; this is what makes completion detection immediate.
func (w *Worker) finalizeCampaign(ctx context.Context, campaignID string) {
	if w.Finalizer == nil {
		return
	}
	if _, err := w.Finalizer.Finalize(ctx, campaignID); err != nil {
		logger.Error("deliver: hot-path finalize failed", "error", err.Error(), "campaign_id", campaignID)
	}
}

// Handle runs one job through the full state machine and returns the
// outcome the caller (the worker pool loop) uses to decide between
// Queue.Complete, Queue.Reschedule, or Queue.Fail.
func (w *Worker) Handle(ctx context.Context, job queue.Job) Outcome {
	jitter := time.Duration(250+rand.Intn(1000)) * time.Millisecond
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return retry(KindTransientTransport, "context cancelled during jitter")
	}

	status, err := w.readCampaignStatus(ctx, job.CampaignID)
	if err != nil {
		return retry(KindConfigMissing, fmt.Sprintf("read campaign status: %v", err))
	}
	if status == domain.CampaignPaused || status == domain.CampaignCancelled {
		return ok() // READ_STATUS: paused/cancelled -> NOOP (spec 4.5)
	}

	row, err := w.Ledger.Get(ctx, job.CampaignID, job.ContactID)
	if err == ledgerstore.ErrNotFound {
		w.finalizeCampaign(ctx, job.CampaignID)
		return fatal(KindDataIntegrity, "missing ledger row")
	}
	if err != nil {
		return retry(KindConfigMissing, fmt.Sprintf("load ledger: %v", err))
	}
	if row.Email == "" {
		_ = w.Ledger.CommitFailed(ctx, job.CampaignID, job.ContactID, "missing contact or email")
		w.finalizeCampaign(ctx, job.CampaignID)
		return fatal(KindDataIntegrity, "missing contact or email")
	}

	// Idempotence: a job whose step already resolved is a no-op replay
	// (spec section 8 invariant 4).
	if stepAlreadyResolved(row, job.StepIndex) {
		return ok()
	}

	domainName := emailDomain(row.Email)
	decision, err := w.Governor.Reserve(ctx, domainName)
	if err != nil {
		return retry(KindTransientTransport, fmt.Sprintf("rate governor: %v", err))
	}
	if !decision.Granted {
		_ = w.Ledger.WriteThrottleHint(ctx, job.CampaignID, job.ContactID, decision.Reason)
		w.publishContactUpdate(ctx, job.CampaignID, job.ContactID, row.Status, nil, nil, "throttled:"+decision.Reason)
		return retry(KindThrottleHint, decision.Reason)
	}

	def, err := w.loadDefinition(ctx, job.CampaignID)
	if err != nil {
		return retry(KindConfigMissing, fmt.Sprintf("load definition: %v", err))
	}

	step, content, err := resolveStep(def, job.StepIndex)
	if err != nil {
		return retry(KindConfigMissing, err.Error())
	}

	// Follow-up rule evaluation happens before marking the step "sending".
	if job.StepIndex >= 0 {
		proceed, reason, err := w.evaluateFollowUpRule(ctx, job.CampaignID, job.ContactID, step.Rule)
		if err != nil {
			return retry(KindConfigMissing, fmt.Sprintf("evaluate follow-up rule: %v", err))
		}
		if !proceed {
			if err := w.Ledger.SkipFollowUp(ctx, job.CampaignID, job.ContactID, job.StepIndex, reason); err != nil {
				return retry(KindConfigMissing, fmt.Sprintf("skip follow-up: %v", err))
			}
			w.publishCampaignEvent(ctx, job.CampaignID, job.ContactID, domain.EventFollowUpSkipped, reason)
			return ok()
		}
	}

	attempts, bgAttempts, stepBgAttempts, err := w.Ledger.BeginAttempt(ctx, job.CampaignID, job.ContactID, job.StepIndex)
	if err != nil {
		return retry(KindConfigMissing, fmt.Sprintf("begin attempt: %v", err))
	}

	msg := w.render(job.CampaignID, job.ContactID, row.Email, content)
	result, sendErr := w.Sender.Send(ctx, msg)

	if sendErr == nil && result != nil && result.Success {
		return w.commitSuccess(ctx, job, def, step, attempts, bgAttempts, domainName)
	}

	return w.commitFailure(ctx, job, domainName, bgAttempts, stepBgAttempts, sendErr, attempts)
}

func stepAlreadyResolved(row *domain.LedgerRow, stepIndex int) bool {
	if stepIndex < 0 {
		return row.Status == domain.LedgerSent || row.Status == domain.LedgerFailed
	}
	if stepIndex < len(row.FollowUpPlan) {
		st := row.FollowUpPlan[stepIndex].Status
		return st == domain.StepSent || st == domain.StepSkipped
	}
	return false
}

func (w *Worker) readCampaignStatus(ctx context.Context, campaignID string) (domain.CampaignStatus, error) {
	if meta, err := w.Cache.GetMeta(ctx, campaignID); err == nil && meta != nil {
		return domain.CampaignStatus(meta.Status), nil
	}
	c, err := w.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

func (w *Worker) loadDefinition(ctx context.Context, campaignID string) (*metacache.Definition, error) {
	def, err := w.Cache.GetDefinition(ctx, campaignID)
	if err == nil && def != nil {
		return def, nil
	}
	c, err := w.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	reconstructed := metacache.Definition{Initial: c.Initial, FollowUps: c.FollowUps}
	_ = w.Cache.PutDefinition(ctx, campaignID, reconstructed)
	return &reconstructed, nil
}

func resolveStep(def *metacache.Definition, stepIndex int) (domain.FollowUpDef, domain.StepContent, error) {
	if stepIndex < 0 {
		return domain.FollowUpDef{Rule: domain.RuleAlways}, def.Initial, nil
	}
	if stepIndex >= len(def.FollowUps) {
		return domain.FollowUpDef{}, domain.StepContent{}, fmt.Errorf("follow-up step %d out of range", stepIndex)
	}
	fu := def.FollowUps[stepIndex]
	return fu, fu.StepContent, nil
}

func (w *Worker) evaluateFollowUpRule(ctx context.Context, campaignID, contactID string, rule domain.FollowUpRule) (bool, string, error) {
	switch rule {
	case domain.RuleAlways:
		return true, "", nil
	case domain.RuleNoReply:
		replied, err := w.Ledger.HasReply(ctx, campaignID, contactID)
		if err != nil {
			return false, "", err
		}
		if replied {
			return false, "replied", nil
		}
		return true, "", nil
	case domain.RuleReplied:
		replied, err := w.Ledger.HasReply(ctx, campaignID, contactID)
		if err != nil {
			return false, "", err
		}
		if !replied {
			return false, "requires-reply", nil
		}
		return true, "", nil
	default:
		return true, "", nil
	}
}

// render builds the outbound message: HTML rewriting (C6) plus minimal
// boundary string substitution (spec section 1 Non-goals: "No templating
// engine beyond string substitution at the boundary").
func (w *Worker) render(campaignID, contactID, email string, content domain.StepContent) *domain.EmailMessage {
	replacer := strings.NewReplacer("{{email}}", email, "{{contact_id}}", contactID)
	html := replacer.Replace(content.Body)
	subject := replacer.Replace(content.Subject)

	rewritten := rewriter.Rewrite(html, campaignID, contactID, w.Cfg.PublicBaseURL, time.Now().UnixMilli())

	return &domain.EmailMessage{
		CampaignID:  campaignID,
		ContactID:   contactID,
		Email:       email,
		Subject:     subject,
		HTMLContent: rewritten.HTML,
		TextContent: rewritten.Text,
		Attachments: content.Attachments,
	}
}

func (w *Worker) commitSuccess(ctx context.Context, job queue.Job, def *metacache.Definition, step domain.FollowUpDef, attempts, bgAttempts int, domainName string) Outcome {
	if err := w.Ledger.CommitSent(ctx, job.CampaignID, job.ContactID, job.StepIndex); err != nil {
		logger.Error("deliver: ledger commit failed after successful send", "error", err.Error(), "campaign_id", job.CampaignID, "contact_id", job.ContactID)
	}
	_ = w.Governor.RecordOutcome(ctx, domainName, true)
	_ = w.Cache.RecordDomainHealth(ctx, job.CampaignID, domainName, true)

	eventType := domain.EventFollowUpSent
	if job.StepIndex < 0 {
		eventType = ""
		_ = w.Cache.IncrSent(ctx, job.CampaignID)
	}
	if eventType != "" {
		w.publishCampaignEvent(ctx, job.CampaignID, job.ContactID, eventType, "")
	}

	w.publishContactUpdate(ctx, job.CampaignID, job.ContactID, domain.LedgerSent, &attempts, &bgAttempts, "")

	if job.StepIndex < 0 {
		w.scheduleFollowUps(ctx, job.CampaignID, job.ContactID, def)
	}
	w.finalizeCampaign(ctx, job.CampaignID)
	return ok()
}

// scheduleFollowUps enqueues one delayed job per follow-up with a positive
// delay (spec section 4.5 "Follow-up scheduling").
func (w *Worker) scheduleFollowUps(ctx context.Context, campaignID, contactID string, def *metacache.Definition) {
	for i, fu := range def.FollowUps {
		if fu.DelayMinutes <= 0 {
			continue
		}
		delay := time.Duration(fu.DelayMinutes) * time.Minute
		if _, err := w.Queue.Enqueue(ctx, campaignID, contactID, "followup", i, queue.EnqueueOptions{
			MaxAttempts: w.Cfg.MaxAttempts,
			Delay:       delay,
		}); err != nil {
			logger.Error("deliver: enqueue follow-up failed", "error", err.Error(), "campaign_id", campaignID, "step", i)
			continue
		}
		if err := w.Ledger.SetFollowUpScheduled(ctx, campaignID, contactID, i, time.Now().Add(delay)); err != nil {
			logger.Error("deliver: record follow-up scheduled failed", "error", err.Error(), "campaign_id", campaignID, "step", i)
		}
	}
}

func (w *Worker) commitFailure(ctx context.Context, job queue.Job, domainName string, bgAttempts, stepBgAttempts int, sendErr error, attempts int) Outcome {
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}

	kind := classifyError(errText, w.Cfg.PermanentFailureFast)
	_ = w.Governor.RecordOutcome(ctx, domainName, false)
	_ = w.Cache.RecordDomainHealth(ctx, job.CampaignID, domainName, false)

	if kind == KindThrottle {
		_ = w.Governor.SetBlock(ctx, domainName, errText, job.AttemptsMade+1)
	}

	// Exhaustion is judged against the current step's attempt count, not
	// the lifetime bgAttempts counter (spec section 8 invariant 3) — a
	// recipient with several follow-up steps must get MAX_ATTEMPTS tries
	// on each step, not MAX_ATTEMPTS tries total across its whole history.
	exhausted := stepBgAttempts >= w.Cfg.MaxAttempts || (kind == KindPermanentRecipient && w.Cfg.PermanentFailureFast)
	if !exhausted {
		if err := w.Ledger.WriteIntermediate(ctx, job.CampaignID, job.ContactID, errText); err != nil {
			logger.Error("deliver: write intermediate failed", "error", err.Error())
		}
		w.publishContactUpdate(ctx, job.CampaignID, job.ContactID, domain.LedgerPending, &attempts, &bgAttempts, errText)
		return retry(kind, errText)
	}

	if err := w.Ledger.CommitFailed(ctx, job.CampaignID, job.ContactID, errText); err != nil {
		logger.Error("deliver: commit failed write failed", "error", err.Error())
	}
	_ = w.Cache.IncrFailed(ctx, job.CampaignID)
	w.publishContactUpdate(ctx, job.CampaignID, job.ContactID, domain.LedgerFailed, &attempts, &bgAttempts, errText)
	w.finalizeCampaign(ctx, job.CampaignID)
	// Both branches of spec 4.5's SEND error path re-throw; the ledger is
	// already terminal, so the next claim's idempotence check (spec 8
	// invariant 4) turns any further retries into a no-op.
	return retry(kind, errText)
}

// classifyError maps a transport error string onto the spec section 7
// error taxonomy.
func classifyError(errText string, permanentFast bool) ErrorKind {
	if rategov.IsThrottleSignal(errText) {
		return KindThrottle
	}
	if permanentFast && isPermanentRecipientError(errText) {
		return KindPermanentRecipient
	}
	return KindTransientTransport
}

var permanentCodes = []string{"550", "551", "552", "553", "554"}

func isPermanentRecipientError(errText string) bool {
	for _, code := range permanentCodes {
		if strings.Contains(errText, code) {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return "unknown"
	}
	return strings.ToLower(parts[1])
}

func (w *Worker) publishContactUpdate(ctx context.Context, campaignID, contactID string, status domain.LedgerStatus, attempts, bgAttempts *int, lastError string) {
	update := eventbus.ContactUpdate{
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     string(status),
		LastError:  lastError,
	}
	if attempts != nil {
		update.Attempts = attempts
	}
	if bgAttempts != nil {
		update.BgAttempts = bgAttempts
	}
	if err := w.Bus.Publish(ctx, eventbus.ContactUpdateChannel(campaignID), update); err != nil {
		logger.Warn("deliver: publish contact update failed", "error", err.Error())
	}
}

func (w *Worker) publishCampaignEvent(ctx context.Context, campaignID, contactID string, eventType domain.CampaignEventType, note string) {
	payload := map[string]string{
		"campaignId": campaignID,
		"contactId":  contactID,
		"type":       string(eventType),
		"note":       note,
		"at":         strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if err := w.Bus.Publish(ctx, eventbus.CampaignEventsChannel(campaignID), payload); err != nil {
		logger.Warn("deliver: publish campaign event failed", "error", err.Error())
	}
}
