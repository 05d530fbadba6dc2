package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/agripay/backend/internal/config"
	"github.com/agripay/backend/internal/models"
	"github.com/go-co-op/gocron"
)

const sweepBatchSize = 100

// StaleLister finds intents still waiting on the payer
type StaleLister interface {
	ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error)
}

// StaleSweep periodically expires processing intents older than the polling
// horizon. It settles intents whose reconcile tasks were lost or never queued.
type StaleSweep struct {
	lister    StaleLister
	svc       Reconciler
	horizon   time.Duration
	interval  time.Duration
	scheduler *gocron.Scheduler
	now       func() time.Time
}

// NewStaleSweep creates a new stale intent sweep
func NewStaleSweep(lister StaleLister, svc Reconciler, cfg config.ReconcileConfig) *StaleSweep {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleSweep{
		lister:    lister,
		svc:       svc,
		horizon:   cfg.Horizon,
		interval:  interval,
		scheduler: gocron.NewScheduler(time.UTC),
		now:       time.Now,
	}
}

// Start runs the sweep every interval until Stop
func (s *StaleSweep) Start() error {
	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		if _, err := s.Run(context.Background()); err != nil {
			log.Printf("Stale payment sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the sweep scheduler
func (s *StaleSweep) Stop() {
	s.scheduler.Stop()
}

// Run expires one batch of stale intents and returns how many it settled
func (s *StaleSweep) Run(ctx context.Context) (int, error) {
	stale, err := s.lister.ListProcessingBefore(ctx, s.now().Add(-s.horizon), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	settled := 0
	for _, intent := range stale {
		checkoutID := intent.CheckoutID()
		if _, err := s.svc.Expire(ctx, checkoutID); err != nil {
			log.Printf("Failed to expire stale payment checkout_id=%s: %v", checkoutID, err)
			errs = append(errs, err)
			continue
		}
		settled++
	}
	if settled > 0 {
		log.Printf("Stale payment sweep settled %d of %d intents", settled, len(stale))
	}
	return settled, errors.Join(errs...)
}
