package queue

import (
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// ReconcileTask asks for the status of one checkout to be reconciled
type ReconcileTask struct {
	ID          string    `json:"id"`
	CheckoutID  string    `json:"checkout_id"`
	InitiatedAt time.Time `json:"initiated_at"`
	Attempt     int       `json:"attempt"`
}

// NewReconcileTask creates the first reconciliation task for a checkout
func NewReconcileTask(checkoutID string, initiatedAt time.Time) ReconcileTask {
	return ReconcileTask{
		ID:          uuid.New().String(),
		CheckoutID:  checkoutID,
		InitiatedAt: initiatedAt,
	}
}

// Next returns the follow-up task after an attempt that left the checkout unsettled
func (t ReconcileTask) Next() ReconcileTask {
	next := t
	next.ID = uuid.New().String()
	next.Attempt++
	return next
}

// QueueStats represents statistics for a queue
type QueueStats struct {
	Queue   string `json:"queue"`
	Delayed int64  `json:"delayed"`
	Due     int64  `json:"due"`
}

// CalculateBackoff returns the delay before retry number attempt: exponential
// from base, capped at max, with ±20% jitter.
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := math.Min(max.Seconds(), base.Seconds()*math.Pow(2, float64(attempt)))

	jitter := seconds * 0.2
	seconds = seconds - jitter + (rand.Float64() * jitter * 2)
	if seconds > max.Seconds() {
		seconds = max.Seconds()
	}

	return time.Duration(seconds * float64(time.Second))
}
