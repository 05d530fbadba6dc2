// Package audit writes the append-only payment event trail
package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agripay/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is a single entry for the payment trail
type Event struct {
	Type       models.PaymentEventType
	IntentID   *uuid.UUID
	CheckoutID string
	Detail     map[string]interface{}
}

// Logger is the audit logger. With a nil database it only writes to the process log.
type Logger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(db *gorm.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// Record persists e. Every event is also written to the process log so the
// trail survives a database outage in some form.
func (l *Logger) Record(ctx context.Context, e Event) error {
	intentID := ""
	if e.IntentID != nil {
		intentID = e.IntentID.String()
	}
	log.Printf("payment event=%s intent_id=%s checkout_id=%s detail=%v", e.Type, intentID, e.CheckoutID, e.Detail)

	if l.db == nil {
		return nil
	}

	row := models.PaymentEvent{
		IntentID:          e.IntentID,
		CheckoutRequestID: e.CheckoutID,
		Event:             e.Type,
		Detail:            models.JSON(e.Detail),
		CreatedAt:         l.now(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record payment event %s: %w", e.Type, err)
	}
	return nil
}

// History returns the events recorded for an intent, oldest first
func (l *Logger) History(ctx context.Context, intentID uuid.UUID) ([]models.PaymentEvent, error) {
	if l.db == nil {
		return nil, nil
	}
	var events []models.PaymentEvent
	err := l.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load payment events: %w", err)
	}
	return events, nil
}
