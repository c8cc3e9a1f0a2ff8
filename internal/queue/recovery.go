package queue

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Recovery periodically reclaims stuck claimed/sending jobs and
// dead-letters ones that have exceeded max_attempts. Grounded on
// internal/worker/queue_recovery.go's QueueRecoveryWorker, collapsed to
// the single delivery_jobs table this engine uses instead of the
// teacher's v1/v2 pair.
type Recovery struct {
	q        *Queue
	interval time.Duration
	staleAge time.Duration
}

// DefaultRecoveryInterval mirrors queue_recovery.go's default cadence.
const DefaultRecoveryInterval = 2 * time.Minute

// DefaultStaleAge mirrors queue_recovery.go's stuck-claim threshold.
const DefaultStaleAge = 5 * time.Minute

// NewRecovery creates a recovery sweep with the teacher's default timing.
func NewRecovery(q *Queue) *Recovery {
	return &Recovery{q: q, interval: DefaultRecoveryInterval, staleAge: DefaultStaleAge}
}

// Start runs the periodic sweep loop until ctx is cancelled.
func (r *Recovery) Start(ctx context.Context) {
	logger.Info("queue recovery starting", "interval", r.interval.String(), "stale_age", r.staleAge.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Recovery) sweep(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	requeued, err := r.requeueStuck(queryCtx)
	if err != nil {
		logger.Error("queue recovery requeue failed", "error", err.Error())
	} else if requeued > 0 {
		logger.Info("queue recovery requeued stuck jobs", "count", requeued)
	}

	deadLettered, err := r.deadLetterExhausted(queryCtx)
	if err != nil {
		logger.Error("queue recovery dead-letter failed", "error", err.Error())
	} else if deadLettered > 0 {
		logger.Warn("queue recovery moved jobs to dead_letter", "count", deadLettered)
	}
}

func (r *Recovery) requeueStuck(ctx context.Context) (int64, error) {
	res, err := r.q.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL,
		    attempts_made = attempts_made + 1
		WHERE status IN ('claimed', 'sending')
		  AND claimed_at < NOW() - $1::interval
		  AND attempts_made < max_attempts
	`, r.staleAge.String())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Recovery) deadLetterExhausted(ctx context.Context) (int64, error) {
	res, err := r.q.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET status = 'dead_letter'
		WHERE status IN ('claimed', 'sending')
		  AND attempts_made >= max_attempts
	`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
