// Package scheduler drives jobs through their lifecycle: it estimates
// costs for queued jobs, expires stale approvals, reaps lost leases,
// honors cancellations, and hands approved jobs to workers under the
// process-wide concurrency bound.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"kgraph/internal/config"
	"kgraph/internal/extraction"
	"kgraph/internal/graph"
	"kgraph/internal/jobs"
	"kgraph/internal/logging"
	"kgraph/internal/worker"
)

// Scheduler owns the lifecycle loop of one process. At most
// MaxConcurrentJobs of its workers run simultaneously; FIFO order over
// approved_at decides who runs next.
type Scheduler struct {
	id string

	jobs      *jobs.Store
	graph     *graph.Store
	resolver  *graph.Resolver
	extractor extraction.Extractor

	cfg   config.IngestConfig
	llm   config.LLMConfig
	embed config.EmbeddingConfig

	slots     *semaphore.Weighted
	workers   sync.WaitGroup
	workerSeq atomic.Int64
}

// New wires a scheduler against the shared stores. The resolver and
// extractor are shared by every worker the scheduler spawns.
func New(js *jobs.Store, gs *graph.Store, resolver *graph.Resolver, ex extraction.Extractor, cfg config.IngestConfig, llm config.LLMConfig, embed config.EmbeddingConfig) *Scheduler {
	limit := int64(cfg.MaxConcurrentJobs)
	if limit <= 0 {
		limit = 1
	}
	return &Scheduler{
		id:        "sched_" + uuid.New().String()[:8],
		jobs:      js,
		graph:     gs,
		resolver:  resolver,
		extractor: ex,
		cfg:       cfg,
		llm:       llm,
		embed:     embed,
		slots:     semaphore.NewWeighted(limit),
	}
}

// Run recovers orphaned work, then ticks until the context is cancelled.
// It returns after every spawned worker has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	requeued, err := s.jobs.RecoverStartup()
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if len(requeued) > 0 {
		logging.Scheduler("startup: requeued %d orphaned jobs: %v", len(requeued), requeued)
	}

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Scheduler("%s: running (max_jobs=%d, tick=%s)", s.id, s.cfg.MaxConcurrentJobs, interval)
	for {
		select {
		case <-ctx.Done():
			s.workers.Wait()
			logging.Scheduler("%s: stopped", s.id)
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass of every scheduler duty. Exposed so tests and the
// CLI's one-shot mode can drive the lifecycle without the timer.
func (s *Scheduler) Tick(ctx context.Context) {
	s.estimateQueued(ctx)
	s.cancelPending()
	s.expireApprovals()
	s.reapLeases()
	s.claim(ctx)
}

// estimateQueued moves queued jobs to awaiting_approval with a cost
// estimate attached, then straight to approved when auto_approve is set.
func (s *Scheduler) estimateQueued(ctx context.Context) {
	queued, err := s.jobs.List(jobs.ListFilter{Status: jobs.StatusQueued, Limit: 100})
	if err != nil {
		logging.Scheduler("listing queued jobs: %v", err)
		return
	}
	for _, job := range queued {
		if ctx.Err() != nil {
			return
		}
		if job.CancellationRequested {
			if err := s.jobs.UpdateStatus(job.ID, []jobs.Status{jobs.StatusQueued}, jobs.StatusCancelled, "cancelled before estimation"); err != nil {
				logging.Scheduler("cancelling queued job %s: %v", job.ID, err)
			}
			continue
		}

		text, err := job.Input.Text()
		if err != nil {
			logging.Scheduler("job %s: unreadable input: %v", job.ID, err)
			if err := s.jobs.UpdateStatus(job.ID, []jobs.Status{jobs.StatusQueued}, jobs.StatusCancelled, fmt.Sprintf("input unreadable: %v", err)); err != nil {
				logging.Scheduler("cancelling unreadable job %s: %v", job.ID, err)
			}
			continue
		}

		estimate := worker.EstimateCost(text, job.Options, s.cfg, s.llm, s.embed)
		if err := s.jobs.SetCostEstimate(job.ID, estimate); err != nil {
			logging.Scheduler("job %s: storing estimate: %v", job.ID, err)
			continue
		}
		if err := s.jobs.UpdateStatus(job.ID, []jobs.Status{jobs.StatusQueued}, jobs.StatusAwaitingApproval, "cost estimated"); err != nil {
			logging.Scheduler("job %s: to awaiting_approval: %v", job.ID, err)
			continue
		}
		logging.Scheduler("job %s: estimated $%.4f (%d chunks worth of tokens)", job.ID, estimate.USDTotal, estimate.TokensIn)

		if job.Options.AutoApprove {
			if err := s.jobs.UpdateStatus(job.ID, []jobs.Status{jobs.StatusAwaitingApproval}, jobs.StatusApproved, "auto-approved"); err != nil {
				logging.Scheduler("job %s: auto-approve: %v", job.ID, err)
			}
		}
	}
}

// cancelPending finishes cancellations that arrived while a job was not
// yet claimed. Those are immediate and authoritative.
func (s *Scheduler) cancelPending() {
	for _, status := range []jobs.Status{jobs.StatusAwaitingApproval, jobs.StatusApproved} {
		pending, err := s.jobs.List(jobs.ListFilter{Status: status, Limit: 100})
		if err != nil {
			logging.Scheduler("listing %s jobs: %v", status, err)
			continue
		}
		for _, job := range pending {
			if !job.CancellationRequested {
				continue
			}
			if err := s.jobs.UpdateStatus(job.ID, []jobs.Status{status}, jobs.StatusCancelled, "cancelled before start"); err != nil {
				logging.Scheduler("cancelling %s job %s: %v", status, job.ID, err)
			}
		}
	}
}

func (s *Scheduler) expireApprovals() {
	if s.cfg.ApprovalTTL <= 0 {
		return
	}
	expired, err := s.jobs.ExpireApprovals(time.Now().UTC(), s.cfg.ApprovalTTL)
	if err != nil {
		logging.Scheduler("expiring approvals: %v", err)
		return
	}
	for _, id := range expired {
		logging.Scheduler("job %s: approval TTL exceeded, expired", id)
	}
}

func (s *Scheduler) reapLeases() {
	requeued, failed, err := s.jobs.ReapExpiredLeases(time.Now().UTC(), s.cfg.MaxLeaseRetries)
	if err != nil {
		logging.Scheduler("reaping leases: %v", err)
		return
	}
	for _, id := range requeued {
		logging.Scheduler("job %s: lease expired, requeued", id)
	}
	for _, id := range failed {
		logging.Scheduler("job %s: lease expired beyond retry budget, failed as worker lost", id)
	}
}

// claim fills free worker slots with approved jobs in FIFO order.
func (s *Scheduler) claim(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.slots.TryAcquire(1) {
			return
		}

		workerID := fmt.Sprintf("%s_w%d", s.id, s.workerSeq.Add(1))
		job, err := s.jobs.ClaimNext(workerID, s.cfg.LeaseDuration)
		if err != nil {
			s.slots.Release(1)
			logging.Scheduler("claim: %v", err)
			return
		}
		if job == nil {
			s.slots.Release(1)
			return
		}

		w := worker.New(workerID, s.jobs, s.graph, s.resolver, s.extractor, s.cfg, s.llm)
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			defer s.slots.Release(1)
			if err := w.Run(ctx, job); err != nil && ctx.Err() == nil {
				logging.Scheduler("job %s: worker %s: %v", job.ID, workerID, err)
			}
		}()
	}
}

// Prune removes terminal jobs older than the retention window.
func (s *Scheduler) Prune() {
	if s.cfg.Retention <= 0 {
		return
	}
	n, err := s.jobs.Prune(time.Now().UTC().Add(-s.cfg.Retention))
	if err != nil {
		logging.Scheduler("pruning: %v", err)
		return
	}
	if n > 0 {
		logging.Scheduler("pruned %d jobs past retention", n)
	}
}
