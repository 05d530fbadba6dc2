package jobs

import (
	"context"
	"log"

	"github.com/agripay/backend/internal/config"
	"github.com/agripay/backend/internal/database"
	"github.com/agripay/backend/internal/queue"
	"github.com/agripay/backend/internal/services/payment"
	"github.com/go-redis/redis/v8"
)

// Runner owns the background reconciliation machinery
type Runner struct {
	tasks  *queue.RedisQueue
	worker *queue.Worker
	sweep  *StaleSweep
	cancel context.CancelFunc
}

// StartBackgroundJobs wires delayed reconciliation and the stale sweep to svc.
// With a nil Redis client only the sweep runs.
func StartBackgroundJobs(svc *payment.Service, store database.IntentStore, redisClient *redis.Client, cfg config.ReconcileConfig) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{cancel: cancel}

	if redisClient != nil {
		tasks := queue.NewRedisQueue(redisClient, queue.QueueReconcile)
		job := NewReconcileJob(svc, tasks, cfg)
		svc.SetScheduler(job)
		r.tasks = tasks

		r.worker = queue.NewWorker(tasks, job.Handle, cfg.Workers, cfg.PollInterval)
		r.worker.Start(ctx)
	} else {
		log.Printf("Redis disabled; payments are reconciled by the stale sweep only")
	}

	r.sweep = NewStaleSweep(store, svc, cfg)
	if err := r.sweep.Start(); err != nil {
		r.Stop()
		return nil, err
	}

	return r, nil
}

// QueueStats reports the delayed reconciliation backlog, or nil when Redis is disabled
func (r *Runner) QueueStats(ctx context.Context) (*queue.QueueStats, error) {
	if r.tasks == nil {
		return nil, nil
	}
	return r.tasks.Stats(ctx)
}

// Stop stops the sweep and waits for in-flight reconciliations to finish
func (r *Runner) Stop() {
	if r.sweep != nil {
		r.sweep.Stop()
	}
	r.cancel()
	if r.worker != nil {
		r.worker.Wait()
	}
}
