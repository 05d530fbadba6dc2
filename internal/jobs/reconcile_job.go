package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agripay/backend/internal/config"
	"github.com/agripay/backend/internal/database"
	"github.com/agripay/backend/internal/models"
	"github.com/agripay/backend/internal/queue"
	"github.com/agripay/backend/internal/services/payment"
)

// Reconciler is the part of the payment service background jobs drive
type Reconciler interface {
	Reconcile(ctx context.Context, checkoutID string) (*payment.ReconcileResult, error)
	Expire(ctx context.Context, checkoutID string) (*models.PaymentIntent, error)
}

// TaskScheduler accepts delayed reconciliation tasks
type TaskScheduler interface {
	Schedule(ctx context.Context, task queue.ReconcileTask, runAt time.Time) error
}

// ReconcileJob polls the provider for payments whose callback has not arrived,
// backing off between attempts until the polling horizon, then expires them.
type ReconcileJob struct {
	svc   Reconciler
	tasks TaskScheduler
	cfg   config.ReconcileConfig
	now   func() time.Time
}

// NewReconcileJob creates a new reconciliation job handler
func NewReconcileJob(svc Reconciler, tasks TaskScheduler, cfg config.ReconcileConfig) *ReconcileJob {
	return &ReconcileJob{
		svc:   svc,
		tasks: tasks,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ScheduleReconcile queues the first status check for a freshly initiated payment
func (j *ReconcileJob) ScheduleReconcile(ctx context.Context, checkoutID string, initiatedAt time.Time) error {
	task := queue.NewReconcileTask(checkoutID, initiatedAt)
	return j.schedule(ctx, task)
}

// Handle runs one reconciliation attempt for a claimed task
func (j *ReconcileJob) Handle(ctx context.Context, task queue.ReconcileTask) error {
	if !j.now().Before(j.deadline(task)) {
		_, err := j.svc.Expire(ctx, task.CheckoutID)
		if err == nil {
			return nil
		}
		if errors.Is(err, database.ErrNotFound) {
			log.Printf("Dropping reconcile task for unknown checkout_id=%s", task.CheckoutID)
			return nil
		}
		// The provider could not be asked; try the final query again later
		return errors.Join(err, j.scheduleAt(ctx, task.Next(), j.now().Add(j.cfg.MaxDelay)))
	}

	res, err := j.svc.Reconcile(ctx, task.CheckoutID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			log.Printf("Dropping reconcile task for unknown checkout_id=%s", task.CheckoutID)
			return nil
		}
		// Provider trouble is retried like an unanswered prompt
		return errors.Join(err, j.schedule(ctx, task.Next()))
	}

	if res.Intent.Status != models.IntentStatusProcessing {
		return nil
	}
	return j.schedule(ctx, task.Next())
}

func (j *ReconcileJob) schedule(ctx context.Context, task queue.ReconcileTask) error {
	runAt := j.now().Add(queue.CalculateBackoff(task.Attempt, j.cfg.BaseDelay, j.cfg.MaxDelay))
	if deadline := j.deadline(task); runAt.After(deadline) {
		runAt = deadline
	}
	return j.scheduleAt(ctx, task, runAt)
}

// scheduleAt queues task even when ctx is already cancelled, so a task claimed
// during shutdown is not lost.
func (j *ReconcileJob) scheduleAt(ctx context.Context, task queue.ReconcileTask, runAt time.Time) error {
	if err := j.tasks.Schedule(context.WithoutCancel(ctx), task, runAt); err != nil {
		return fmt.Errorf("failed to schedule reconciliation for %s: %w", task.CheckoutID, err)
	}
	return nil
}

func (j *ReconcileJob) deadline(task queue.ReconcileTask) time.Time {
	return task.InitiatedAt.Add(j.cfg.Horizon)
}
