package queue

import (
	"context"
	"log"
	"sync"
	"time"
)

// TaskHandler processes one claimed task
type TaskHandler func(ctx context.Context, task ReconcileTask) error

// TaskSource hands out due tasks and takes back claimed tasks that were not run
type TaskSource interface {
	ClaimDue(ctx context.Context, limit int) ([]ReconcileTask, error)
	Release(ctx context.Context, tasks []ReconcileTask) error
}

// Worker polls a task source and runs claimed tasks on a fixed pool of goroutines
type Worker struct {
	source       TaskSource
	handler      TaskHandler
	numWorkers   int
	pollInterval time.Duration
	tasks        chan ReconcileTask
	wg           sync.WaitGroup
}

// NewWorker creates a new worker
func NewWorker(source TaskSource, handler TaskHandler, numWorkers int, pollInterval time.Duration) *Worker {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		source:       source,
		handler:      handler,
		numWorkers:   numWorkers,
		pollInterval: pollInterval,
		tasks:        make(chan ReconcileTask),
	}
}

// Start launches the poller and the worker goroutines. They run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("Starting %d reconcile workers", w.numWorkers)

	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.process(ctx, i)
	}

	w.wg.Add(1)
	go w.poll(ctx)
}

// Wait blocks until every goroutine started by Start has returned
func (w *Worker) Wait() {
	w.wg.Wait()
}

// poll claims due tasks and hands them to the workers. Claims are sized to the
// pool so no more tasks are held than can run at once.
func (w *Worker) poll(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.tasks)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		tasks, err := w.source.ClaimDue(ctx, w.numWorkers)
		if err != nil && ctx.Err() == nil {
			log.Printf("Error claiming due tasks: %v", err)
		}
		for i, task := range tasks {
			select {
			case w.tasks <- task:
			case <-ctx.Done():
				w.release(ctx, tasks[i:])
				return
			}
		}

		// Drain a backlog without waiting for the next tick
		if len(tasks) == w.numWorkers {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// release hands claimed but unstarted tasks back to the source on shutdown
func (w *Worker) release(ctx context.Context, tasks []ReconcileTask) {
	if err := w.source.Release(context.WithoutCancel(ctx), tasks); err != nil {
		log.Printf("Failed to release %d claimed tasks on shutdown: %v", len(tasks), err)
		return
	}
	log.Printf("Released %d claimed tasks on shutdown", len(tasks))
}

func (w *Worker) process(ctx context.Context, workerID int) {
	defer w.wg.Done()

	for task := range w.tasks {
		w.run(ctx, workerID, task)
	}
	log.Printf("Reconcile worker %d stopped", workerID)
}

func (w *Worker) run(ctx context.Context, workerID int, task ReconcileTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %d panicked on task %s checkout_id=%s: %v", workerID, task.ID, task.CheckoutID, r)
		}
	}()

	if err := w.handler(ctx, task); err != nil {
		log.Printf("Error processing task %s checkout_id=%s attempt=%d: %v", task.ID, task.CheckoutID, task.Attempt, err)
	}
}
