// Package queue implements the durable job queue (C3): a Postgres-backed
// table of delivery jobs claimed via SELECT ... FOR UPDATE SKIP LOCKED,
// with exponential backoff, delayed scheduling, and a stale-claim recovery
// sweep. Grounded on the teacher's internal/worker/campaign_processor.go
// claimBatch and internal/worker/queue_recovery.go.
//
// Expected schema (delivery_jobs):
//
//	id uuid primary key
//	campaign_id text not null
//	contact_id text not null
//	kind text not null               -- 'initial' | 'followup'
//	step_index int not null          -- -1 for initial
//	attempts_made int not null default 0
//	max_attempts int not null
//	status text not null             -- queued|claimed|sending|done|dead_letter
//	worker_id text
//	scheduled_at timestamptz not null
//	claimed_at timestamptz
//	created_at timestamptz not null default now()
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Job is a single unit of delivery work claimed from the durable queue.
type Job struct {
	ID           string
	CampaignID   string
	ContactID    string
	Kind         string // "initial" | "followup"
	StepIndex    int    // -1 for initial
	AttemptsMade int
	MaxAttempts  int
	Status       domain.QueueItemStatus
}

// EnqueueOptions mirrors the queue's Enqueue(name, payload, opts) contract
// from spec §4.1.
type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// BackoffBase is the base exponential-backoff delay (spec §4.1: base 60s).
const BackoffBase = 60 * time.Second

// Backoff computes the exponential backoff with +/-20% jitter for the
// given attempt count, per spec §4.1.
func Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	base := float64(BackoffBase) * math.Pow(2, float64(attemptsMade-1))
	jitter := base * (0.8 + 0.4*rand.Float64()) // +/-20%
	return time.Duration(jitter)
}

// Queue is the Postgres-backed durable job queue.
type Queue struct {
	db *sql.DB
}

// New creates a Queue over the given database handle.
func New(db *sql.DB) *Queue { return &Queue{db: db} }

// Enqueue inserts a new job. The control plane's explicit retry uses this
// to create a fresh job (resetting AttemptsMade/bgAttempts by design,
// spec §4.1); the worker's own retries never call Enqueue — they call
// Reschedule on the same row.
func (q *Queue) Enqueue(ctx context.Context, campaignID, contactID, kind string, stepIndex int, opts EnqueueOptions) (string, error) {
	id := uuid.New().String()
	scheduledAt := time.Now().Add(opts.Delay)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO delivery_jobs
			(id, campaign_id, contact_id, kind, step_index, attempts_made, max_attempts, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 'queued', $7, NOW())
	`, id, campaignID, contactID, kind, stepIndex, opts.MaxAttempts, scheduledAt)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Claim claims up to batchSize queued jobs whose scheduled_at has elapsed
// and whose campaign is running, using SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent workers never double-claim. Grounded directly on
// campaign_processor.go's claimBatch.
func (q *Queue) Claim(ctx context.Context, workerID string, batchSize int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE delivery_jobs
			SET status = 'claimed', worker_id = $1, claimed_at = NOW()
			WHERE id IN (
				SELECT dj.id
				FROM delivery_jobs dj
				JOIN campaigns c ON c.id = dj.campaign_id
				WHERE dj.status = 'queued'
				  AND dj.scheduled_at <= NOW()
				  AND c.status = 'running'
				ORDER BY dj.scheduled_at ASC
				LIMIT $2
				FOR UPDATE OF dj SKIP LOCKED
			)
			RETURNING id, campaign_id, contact_id, kind, step_index, attempts_made, max_attempts, status
		)
		SELECT id, campaign_id, contact_id, kind, step_index, attempts_made, max_attempts, status FROM claimed
	`, workerID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.ContactID, &j.Kind, &j.StepIndex, &j.AttemptsMade, &j.MaxAttempts, &j.Status); err != nil {
			return nil, fmt.Errorf("queue: scan claimed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Complete removes a job after a successful terminal outcome
// (removeOnComplete=true per spec §4.1).
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	return nil
}

// Reschedule bumps AttemptsMade and reschedules the same job row after the
// computed backoff. The worker must call this — never Enqueue — for a
// retryable outcome, so bgAttempts stays monotone (spec §4.1).
func (q *Queue) Reschedule(ctx context.Context, jobID string, attemptsMade int) error {
	delay := Backoff(attemptsMade)
	_, err := q.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    attempts_made = $2, scheduled_at = NOW() + $3::interval
		WHERE id = $1
	`, jobID, attemptsMade, fmt.Sprintf("%f seconds", delay.Seconds()))
	if err != nil {
		return fmt.Errorf("queue: reschedule: %w", err)
	}
	return nil
}

// Fail moves a job to dead_letter — a terminal outcome the worker reached
// without the queue's own retry budget being exhausted (e.g. a
// DataIntegrity error). The ledger row, not this table, is the durable
// record of the failure.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE delivery_jobs SET status = 'dead_letter' WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	return nil
}

// Remove deletes a campaign's queued and claimed jobs, best-effort, per
// spec §4.1 cancellation semantics. Jobs in any other status (such as
// sending) are left in place and are no-op'd by the worker's own pre-send
// status check.
func (q *Queue) Remove(ctx context.Context, campaignID string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM delivery_jobs WHERE campaign_id = $1 AND status IN ('queued', 'claimed')
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("queue: remove: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Snapshot returns job counts by status for a campaign, used by
// backpressure checks and operator health views.
func (q *Queue) Snapshot(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM delivery_jobs WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("queue: snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue: scan snapshot: %w", err)
		}
		out[status] = count
	}
	return out, nil
}
