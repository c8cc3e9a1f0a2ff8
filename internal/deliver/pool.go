package deliver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
)

// Pool drives WORKER_CONCURRENCY workers claiming jobs from the durable
// queue in a loop, translating each Outcome into the matching queue
// operation. Grounded on the teacher's campaign_processor.go worker-loop
// shape, collapsed to a single claim/dispatch/apply cycle.
type Pool struct {
	Queue       *queue.Queue
	Worker      *Worker
	Concurrency int
	BatchSize   int
	PollInterval time.Duration
}

// DefaultPollInterval is how often an idle worker re-polls for claimable
// jobs.
const DefaultPollInterval = 2 * time.Second

// Run starts Concurrency goroutines that claim and process jobs until ctx
// is cancelled.
func (p *Pool) Run(ctx context.Context) {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 5 // spec section 5: "a configurable worker pool concurrency (default 5)"
	}
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = concurrency
	}
	poll := p.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	jobs := make(chan queue.Job, batchSize)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		workerID := uuid.New().String()
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.runWorker(ctx, id, jobs)
		}(workerID)
	}

	go func() {
		defer close(jobs)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		claimerID := "claimer-" + uuid.NewString()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				claimed, err := p.Queue.Claim(ctx, claimerID, batchSize)
				if err != nil {
					logger.Error("deliver: claim failed", "error", err.Error())
					continue
				}
				for _, j := range claimed {
					select {
					case jobs <- j:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string, jobs <-chan queue.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, more := <-jobs:
			if !more {
				return
			}
			p.apply(ctx, job, p.Worker.Handle(ctx, job))
		}
	}
}

// apply translates an Outcome into the matching queue.Queue operation
// (spec section 4.1's retry contract: the worker never enqueues a new job
// as a retry).
func (p *Pool) apply(ctx context.Context, job queue.Job, out Outcome) {
	switch {
	case out.OK:
		if err := p.Queue.Complete(ctx, job.ID); err != nil {
			logger.Error("deliver: complete job failed", "error", err.Error(), "job_id", job.ID)
		}
	case out.Fatal != nil:
		if err := p.Queue.Fail(ctx, job.ID); err != nil {
			logger.Error("deliver: fail job failed", "error", err.Error(), "job_id", job.ID)
		}
		logger.Warn("deliver: job terminated without retry", "job_id", job.ID, "kind", string(out.Fatal.Kind), "msg", out.Fatal.Msg)
	case out.Retry != nil:
		if err := p.Queue.Reschedule(ctx, job.ID, job.AttemptsMade+1); err != nil {
			logger.Error("deliver: reschedule job failed", "error", err.Error(), "job_id", job.ID)
		}
	}
}
