// Package ledgerstore implements the authoritative per-(campaign, contact)
// ledger (C4): targeted $set/$inc-equivalent Postgres updates on a unique
// composite key. Grounded on the teacher's
// internal/repository/postgres/campaign.go (dynamic UPDATE builder,
// COALESCE-guarded scans, ErrNotFound sentinel pattern).
package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ErrNotFound mirrors the teacher's campaign.ErrNotFound sentinel style.
var ErrNotFound = errors.New("ledgerstore: row not found")

// Store is the Postgres-backed ledger.
type Store struct {
	db *sql.DB
}

// New creates a Store over the given database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// CreatePending inserts a new ledger row in "pending" status for a contact
// newly enrolled in a campaign. Called once per recipient at campaign
// start (spec §3: "created with pending when a campaign starts").
func (s *Store) CreatePending(ctx context.Context, campaignID, contactID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_rows
			(campaign_id, contact_id, email, status, current_step_index, follow_up_plan, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', -1, '[]', NOW(), NOW())
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
	`, campaignID, contactID, email)
	if err != nil {
		return fmt.Errorf("ledgerstore: create pending: %w", err)
	}
	return nil
}

// Get loads a single ledger row.
func (s *Store) Get(ctx context.Context, campaignID, contactID string) (*domain.LedgerRow, error) {
	r := &domain.LedgerRow{}
	var followUpJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT campaign_id, contact_id, email, status, attempts, bg_attempts,
		       current_step_index, current_step_attempts, current_step_bg_attempts,
		       last_attempt_at, COALESCE(last_error, ''),
		       opened_at, last_click_at, last_activity_at,
		       replied, replies_count, last_reply_at, COALESCE(last_reply_snippet, ''),
		       COALESCE(follow_up_plan::text, '[]'), created_at, updated_at
		FROM ledger_rows
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID).Scan(
		&r.CampaignID, &r.ContactID, &r.Email, &r.Status, &r.Attempts, &r.BgAttempts,
		&r.CurrentStepIndex, &r.CurrentStepAttempts, &r.CurrentStepBgAttempt,
		&r.LastAttemptAt, &r.LastError,
		&r.OpenedAt, &r.LastClickAt, &r.LastActivityAt,
		&r.Replied, &r.RepliesCount, &r.LastReplyAt, &r.LastReplySnippet,
		&followUpJSON, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: get: %w", err)
	}
	if err := json.Unmarshal([]byte(followUpJSON), &r.FollowUpPlan); err != nil {
		return nil, fmt.Errorf("ledgerstore: decode follow_up_plan: %w", err)
	}
	return r, nil
}

// BeginAttempt records a new delivery attempt for the given step. It bumps
// BgAttempts (the lifetime queue-driven counter, spec §3) and
// CurrentStepBgAttempt (the per-step counter exhaustion is judged against,
// spec §3/§8 invariant 3), and — per spec §4.5's "initial-attempt
// accounting" — sets Attempts=1 the very first time a row whose
// Attempts=0 is attempted. Only the initial step (stepIndex < 0) moves
// Status to sending; a follow-up step leaves Status as it is. Returns the
// post-increment counters.
func (s *Store) BeginAttempt(ctx context.Context, campaignID, contactID string, stepIndex int) (attempts, bgAttempts, stepBgAttempts int, err error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE ledger_rows
		SET status = CASE WHEN $3 < 0 THEN 'sending' ELSE status END,
		    current_step_index = $3,
		    current_step_attempts = CASE WHEN current_step_index = $3 THEN current_step_attempts ELSE 0 END,
		    current_step_bg_attempts = CASE WHEN current_step_index = $3 THEN current_step_bg_attempts + 1 ELSE 1 END,
		    bg_attempts = bg_attempts + 1,
		    attempts = CASE WHEN attempts = 0 THEN 1 ELSE attempts END,
		    last_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
		RETURNING attempts, bg_attempts, current_step_bg_attempts
	`, campaignID, contactID, stepIndex)
	if err := row.Scan(&attempts, &bgAttempts, &stepBgAttempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, 0, ErrNotFound
		}
		return 0, 0, 0, fmt.Errorf("ledgerstore: begin attempt: %w", err)
	}
	return attempts, bgAttempts, stepBgAttempts, nil
}

// CommitSent marks the row's current step as successfully delivered. For
// the initial step this sets Status=sent; for a follow-up step it instead
// updates FollowUpPlan[stepIndex] and leaves Status alone (a recipient
// stays "sent" once the initial succeeds; follow-ups never revert it).
func (s *Store) CommitSent(ctx context.Context, campaignID, contactID string, stepIndex int) error {
	if stepIndex < 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE ledger_rows
			SET status = 'sent', last_activity_at = NOW(), updated_at = NOW()
			WHERE campaign_id = $1 AND contact_id = $2
		`, campaignID, contactID)
		if err != nil {
			return fmt.Errorf("ledgerstore: commit sent: %w", err)
		}
		return nil
	}
	return s.setFollowUpStep(ctx, campaignID, contactID, stepIndex, domain.StepSent, "", time.Now())
}

// CommitFailed marks the row as terminally failed with a diagnostic error.
// The worker calls it when a step's attempts are exhausted
// (CurrentStepBgAttempt >= MAX, spec invariant 3), on a permanent recipient
// error when PermanentFailureFast is set, and when the row has no email.
func (s *Store) CommitFailed(ctx context.Context, campaignID, contactID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET status = 'failed', last_error = $3, last_activity_at = NOW(), updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, lastError)
	if err != nil {
		return fmt.Errorf("ledgerstore: commit failed: %w", err)
	}
	return nil
}

// WriteIntermediate records a retryable error without altering the
// terminal status, reverting the row to "pending" so the next claim
// re-reads it cleanly. Spec §4.5: bgAttempts/currentStepBgAttempts were
// already bumped by BeginAttempt; this just annotates the failure.
func (s *Store) WriteIntermediate(ctx context.Context, campaignID, contactID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET status = 'pending', last_error = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, lastError)
	if err != nil {
		return fmt.Errorf("ledgerstore: write intermediate: %w", err)
	}
	return nil
}

// WriteThrottleHint records a local permit-denial without incrementing any
// attempt counter (spec §4.2: "here it must not be incremented").
func (s *Store) WriteThrottleHint(ctx context.Context, campaignID, contactID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET status = 'pending', last_error = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, "throttled:"+reason)
	if err != nil {
		return fmt.Errorf("ledgerstore: write throttle hint: %w", err)
	}
	return nil
}

// MarkOpened sets OpenedAt the first time only ($setOnce semantics via
// COALESCE), per the idempotence requirement in spec §8.
func (s *Store) MarkOpened(ctx context.Context, campaignID, contactID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET opened_at = COALESCE(opened_at, NOW()), last_activity_at = NOW(), updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledgerstore: mark opened: %w", err)
	}
	return nil
}

// MarkClicked backfills OpenedAt if missing and sets LastClickAt.
func (s *Store) MarkClicked(ctx context.Context, campaignID, contactID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET opened_at = COALESCE(opened_at, NOW()),
		    last_click_at = NOW(), last_activity_at = NOW(), updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledgerstore: mark clicked: %w", err)
	}
	return nil
}

// RecordReply updates the ledger row on receipt of a correlated reply
// (spec §4.8).
func (s *Store) RecordReply(ctx context.Context, campaignID, contactID, snippet string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET replied = true, replies_count = replies_count + 1,
		    last_reply_at = $3, last_reply_snippet = $4,
		    last_activity_at = $3, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, at, snippet)
	if err != nil {
		return fmt.Errorf("ledgerstore: record reply: %w", err)
	}
	return nil
}

// HasReply reports whether a reply has been recorded for the row,
// consulted by follow-up rule evaluation (no_reply / replied).
func (s *Store) HasReply(ctx context.Context, campaignID, contactID string) (bool, error) {
	var replied bool
	err := s.db.QueryRowContext(ctx, `
		SELECT replied FROM ledger_rows WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID).Scan(&replied)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("ledgerstore: has reply: %w", err)
	}
	return replied, nil
}

// SetFollowUpScheduled marks a follow-up slot as scheduled, used right
// after its delayed job is enqueued.
func (s *Store) SetFollowUpScheduled(ctx context.Context, campaignID, contactID string, stepIndex int, scheduledFor time.Time) error {
	return s.setFollowUpStep(ctx, campaignID, contactID, stepIndex, domain.StepScheduled, "", scheduledFor)
}

// SkipFollowUp marks a follow-up slot as skipped with a reason, and logs no
// send attempt against it.
func (s *Store) SkipFollowUp(ctx context.Context, campaignID, contactID string, stepIndex int, reason string) error {
	return s.setFollowUpStep(ctx, campaignID, contactID, stepIndex, domain.StepSkipped, reason, time.Now())
}

func (s *Store) setFollowUpStep(ctx context.Context, campaignID, contactID string, stepIndex int, status domain.FollowUpStepStatus, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledgerstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var followUpJSON string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(follow_up_plan::text, '[]') FROM ledger_rows
		WHERE campaign_id = $1 AND contact_id = $2 FOR UPDATE
	`, campaignID, contactID).Scan(&followUpJSON); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ledgerstore: read follow_up_plan: %w", err)
	}

	var plan []domain.FollowUpPlanEntry
	if err := json.Unmarshal([]byte(followUpJSON), &plan); err != nil {
		return fmt.Errorf("ledgerstore: decode follow_up_plan: %w", err)
	}
	for len(plan) <= stepIndex {
		plan = append(plan, domain.FollowUpPlanEntry{Status: domain.StepScheduled})
	}

	entry := &plan[stepIndex]
	entry.Status = status
	switch status {
	case domain.StepScheduled:
		entry.ScheduledFor = &at
	case domain.StepSent:
		entry.SentAt = &at
	case domain.StepSkipped:
		entry.SkippedAt = &at
		entry.SkippedReason = reason
	}

	encoded, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("ledgerstore: encode follow_up_plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_rows SET follow_up_plan = $3::jsonb, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID, string(encoded)); err != nil {
		return fmt.Errorf("ledgerstore: write follow_up_plan: %w", err)
	}

	return tx.Commit()
}

// AggregateTotals recomputes campaign totals from the ledger by counting
// rows by status. Used by the Finalizer when the Meta Cache is empty or
// stale (spec §4.3: "ledger wins").
func (s *Store) AggregateTotals(ctx context.Context, campaignID string) (domain.Totals, error) {
	var t domain.Totals
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM ledger_rows WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return t, fmt.Errorf("ledgerstore: aggregate totals: %w", err)
	}
	defer rows.Close()

	var pending int
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return t, fmt.Errorf("ledgerstore: scan totals: %w", err)
		}
		t.Intended += count
		switch domain.LedgerStatus(status) {
		case domain.LedgerSent:
			t.Sent += count
		case domain.LedgerFailed:
			t.Failed += count
		case domain.LedgerPending, domain.LedgerSending:
			pending += count
		}
	}
	t.Processed = t.Sent + t.Failed
	if t.Intended < t.Processed+pending {
		t.Intended = t.Processed + pending
	}
	return t, nil
}

// CancelPending transitions every "pending" row of a campaign to "failed"
// with lastError="cancelled", per spec §4.7 cancel semantics. Returns the
// number of rows affected.
func (s *Store) CancelPending(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET status = 'failed', last_error = 'cancelled', updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("ledgerstore: cancel pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetForRetry prepares a failed row for a fresh control-plane-driven
// retry: status back to pending, Attempts bumped, CurrentStepBgAttempt
// zeroed (spec §4.7 retryContact).
func (s *Store) ResetForRetry(ctx context.Context, campaignID, contactID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_rows
		SET status = 'pending', attempts = attempts + 1, current_step_bg_attempts = 0,
		    last_error = '', updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND status = 'failed'
	`, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("ledgerstore: reset for retry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEligibleForRetry returns contact IDs eligible for a batched
// retryFailed: status=failed, attempts<maxAttempts (user-visible cap).
func (s *Store) ListEligibleForRetry(ctx context.Context, campaignID string, maxAttempts, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id FROM ledger_rows
		WHERE campaign_id = $1 AND status = 'failed' AND attempts < $2
		LIMIT $3
	`, campaignID, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: list eligible: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledgerstore: scan eligible: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteCampaign removes every ledger row for a campaign (Control Plane
// delete, requires confirm=true at the caller).
func (s *Store) DeleteCampaign(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger_rows WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("ledgerstore: delete campaign: %w", err)
	}
	return nil
}
