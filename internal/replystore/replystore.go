// Package replystore implements the idempotent inbound-reply store backing
// the Reply Correlator (C10): one row per unique fingerprint. Grounded on
// ledgerstore.go's Postgres-handle/ErrNotFound/New shape, restructured
// around the spec's `replies` table and its ON CONFLICT-based dedup
// instead of a targeted compound-key update.
package replystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ErrNotFound mirrors the teacher's campaign.ErrNotFound sentinel style.
var ErrNotFound = errors.New("replystore: reply not found")

// Store is the Postgres-backed reply repository.
type Store struct {
	db *sql.DB
}

// New creates a Store over the given database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Insert writes a reply keyed by its fingerprint. Returns (true, nil) when
// a new row was inserted, (false, nil) when the fingerprint already
// existed (the caller's duplicate-response path), assigning reply.ID in
// the inserted case.
func (s *Store) Insert(ctx context.Context, reply *domain.Reply) (bool, error) {
	if reply.ID == "" {
		reply.ID = uuid.New().String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replies
			(id, campaign_id, contact_id, fingerprint, message_id,
			 from_address, to_address, subject, text_body, html_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (fingerprint) DO NOTHING
	`, reply.ID, reply.CampaignID, reply.ContactID, reply.Fingerprint, reply.MessageID,
		reply.From, reply.To, reply.Subject, reply.Text, reply.HTML)
	if err != nil {
		return false, fmt.Errorf("replystore: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replystore: rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByFingerprint loads a reply by its fingerprint, used to report the
// existing row back on a duplicate webhook delivery.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Reply, error) {
	r := &domain.Reply{}
	var messageID, html sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, contact_id, fingerprint, message_id,
		       from_address, to_address, subject, text_body, html_body, created_at
		FROM replies WHERE fingerprint = $1
	`, fingerprint).Scan(
		&r.ID, &r.CampaignID, &r.ContactID, &r.Fingerprint, &messageID,
		&r.From, &r.To, &r.Subject, &r.Text, &html, &r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("replystore: get by fingerprint: %w", err)
	}
	r.MessageID = messageID.String
	r.HTML = html.String
	return r, nil
}

// CountForContact returns how many replies are on file for a
// (campaignId, contactId) pair. The Reconciler does not call it; it
// recomputes campaign totals only, not LedgerRow.RepliesCount.
func (s *Store) CountForContact(ctx context.Context, campaignID, contactID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM replies WHERE campaign_id = $1 AND contact_id = $2
	`, campaignID, contactID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("replystore: count for contact: %w", err)
	}
	return n, nil
}
