// Package eventlog implements the append-only campaign_events table (spec
// §3, "CampaignEvent"): the analytics trail written by the tracking
// endpoints (open/click) and the Reply Correlator. Grounded on
// ledgerstore.go's Postgres-handle/New shape; rows here are never mutated
// once written, so the package has no Update method by design.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Store is the Postgres-backed append-only event log.
type Store struct {
	db *sql.DB
}

// New creates a Store over the given database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Append inserts one campaign_events row. ID is assigned if empty.
func (s *Store) Append(ctx context.Context, evt *domain.CampaignEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_events
			(id, campaign_id, contact_id, type, url, user_agent, ip, trace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, evt.ID, evt.CampaignID, evt.ContactID, evt.Type, evt.URL, evt.UserAgent, evt.IP, evt.Trace)
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// CountByType returns how many events of a given type exist for a
// (campaignId, contactId) pair. The tracking handler appends one open event
// per pixel fetch, so the open count here can exceed one while the ledger's
// openedAt is set only once (spec §8).
func (s *Store) CountByType(ctx context.Context, campaignID, contactID string, evtType domain.CampaignEventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_events
		WHERE campaign_id = $1 AND contact_id = $2 AND type = $3
	`, campaignID, contactID, evtType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("eventlog: count by type: %w", err)
	}
	return n, nil
}
