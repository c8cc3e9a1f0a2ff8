package finalize

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// DefaultSchedule sweeps every minute, matching the teacher's
// quota-reset/backpressure cadence.
const DefaultSchedule = "@every 1m"

// SweepLimit bounds how many campaigns a single sweep inspects, so one
// slow run never blocks the next tick.
const SweepLimit = 200

// Reconciler periodically re-finalizes running and
// completed-with-failures campaigns (at most SweepLimit per sweep), correcting drift that a single
// Finalize call on the hot path might have missed (a crashed worker
// between CommitSent and the cache bump, a definition evicted before its
// campaign finished).
type Reconciler struct {
	Finalizer *Finalizer
	Store     campaignLister
	Schedule  string
	cron      *cron.Cron
}

type campaignLister interface {
	ListNearTerminal(ctx context.Context, limit int) ([]string, error)
}

// NewReconciler builds a Reconciler; Schedule defaults to DefaultSchedule
// when empty.
func NewReconciler(f *Finalizer, store campaignLister, schedule string) *Reconciler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Reconciler{Finalizer: f, Store: store, Schedule: schedule}
}

// Start registers the sweep with a cron.Cron and starts it running in the
// background. Call Stop to halt it.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.Schedule, func() {
		r.sweep(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight sweep to
// finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

func (r *Reconciler) sweep(ctx context.Context) {
	ids, err := r.Store.ListNearTerminal(ctx, SweepLimit)
	if err != nil {
		logger.Error("reconciler: list near terminal failed", "error", err.Error())
		return
	}
	for _, id := range ids {
		if _, err := r.Finalizer.Finalize(ctx, id); err != nil {
			logger.Error("reconciler: finalize failed", "error", err.Error(), "campaign_id", id)
		}
	}
}
