// Package campaignstore implements the authoritative Campaign document
// (spec section 3, "Campaign"): the record created on start and mutated
// only by the Control Plane (C9) and the Finalizer (C8). Grounded on
// internal/repository/postgres/campaign.go's dynamic-scan/ErrNotFound
// pattern, restructured around the spec's single `campaigns` table instead
// of the teacher's `mailing_campaigns` CRUD schema.
package campaignstore

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
var ErrNotFound = errors.New("campaignstore: campaign not found")

// Store is the Postgres-backed campaign document repository.
type Store struct {
	db *sql.DB
}

// New creates a Store over the given database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Create inserts a new campaign document in "running" status with the
// given initial message and follow-up definitions (spec section 2: "Campaign
// start -> insert campaign doc and ledger rows").
func (s *Store) Create(ctx context.Context, c *domain.Campaign) error {
	initial, err := json.Marshal(c.Initial)
	if err != nil {
		return fmt.Errorf("campaignstore: encode initial: %w", err)
	}
	followUps, err := json.Marshal(c.FollowUps)
	if err != nil {
		return fmt.Errorf("campaignstore: encode follow ups: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, status, from_name, from_email, tracking_domain,
			 initial, follow_ups, intended, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), NOW())
	`, c.ID, c.Name, domain.CampaignRunning, c.FromName, c.FromEmail, c.TrackingDomain,
		initial, followUps, c.Totals.Intended)
	if err != nil {
		return fmt.Errorf("campaignstore: create: %w", err)
	}
	return nil
}

// Get loads a single campaign document.
func (s *Store) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{ID: id}
	var initialJSON, followUpsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, status, from_name, from_email, tracking_domain,
		       initial, follow_ups, intended, processed, sent, failed,
		       started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(
		&c.Name, &c.Status, &c.FromName, &c.FromEmail, &c.TrackingDomain,
		&initialJSON, &followUpsJSON,
		&c.Totals.Intended, &c.Totals.Processed, &c.Totals.Sent, &c.Totals.Failed,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("campaignstore: get: %w", err)
	}
	if err := json.Unmarshal([]byte(initialJSON), &c.Initial); err != nil {
		return nil, fmt.Errorf("campaignstore: decode initial: %w", err)
	}
	if err := json.Unmarshal([]byte(followUpsJSON), &c.FollowUps); err != nil {
		return nil, fmt.Errorf("campaignstore: decode follow ups: %w", err)
	}
	return c, nil
}

// SetStatus transitions the campaign's status unconditionally. Callers
// (Control Plane, Finalizer) are responsible for validating the transition.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("campaignstore: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Finalize transitions a campaign to a terminal status, records totals and
// completedAt (spec section 4.6 step 3).
func (s *Store) Finalize(ctx context.Context, id string, status domain.CampaignStatus, totals domain.Totals) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, processed = $3, sent = $4, failed = $5,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, status, totals.Processed, totals.Sent, totals.Failed)
	if err != nil {
		return fmt.Errorf("campaignstore: finalize: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteTotals flushes totals without touching status, used by the
// Reconciler when a campaign remains non-terminal but drifted.
func (s *Store) WriteTotals(ctx context.Context, id string, totals domain.Totals) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET processed = $2, sent = $3, failed = $4, updated_at = NOW()
		WHERE id = $1
	`, id, totals.Processed, totals.Sent, totals.Failed)
	if err != nil {
		return fmt.Errorf("campaignstore: write totals: %w", err)
	}
	return nil
}

// Delete removes a campaign document (Control Plane delete, requires
// confirm=true and status != running at the caller).
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("campaignstore: delete: %w", err)
	}
	return nil
}

// ListNearTerminal returns campaign IDs in running or completed-with-
// failures status, bounded by limit, for the Reconciler's periodic sweep
// (spec section 4.6: "a bounded window of campaigns in terminal or
// near-terminal states").
func (s *Store) ListNearTerminal(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status IN ($1, $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, domain.CampaignRunning, domain.CampaignCompletedWithFailures, limit)
	if err != nil {
		return nil, fmt.Errorf("campaignstore: list near terminal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("campaignstore: scan near terminal: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Touch bumps updated_at without changing any other column. No code path
// in the engine calls it; Pause and the other status changes use SetStatus.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE campaigns SET updated_at = $2 WHERE id = $1`, id, time.Now())
	if err != nil {
		return fmt.Errorf("campaignstore: touch: %w", err)
	}
	return nil
}
