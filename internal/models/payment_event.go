package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentEventType names an entry in the payment audit trail
type PaymentEventType string

const (
	PaymentEventInitiated        PaymentEventType = "initiated"
	PaymentEventInitiationFailed PaymentEventType = "initiation_failed"
	PaymentEventAttached         PaymentEventType = "attached"
	PaymentEventCallbackReceived PaymentEventType = "callback_received"
	PaymentEventCallbackRejected PaymentEventType = "callback_rejected"
	PaymentEventTerminal         PaymentEventType = "terminal"
	PaymentEventReconciled       PaymentEventType = "reconciled"
	PaymentEventExpired          PaymentEventType = "expired"
	// PaymentEventLateSuccess marks money collected for an intent already settled
	// as failed or cancelled; it needs manual reconciliation.
	PaymentEventLateSuccess PaymentEventType = "late_success"
)

// PaymentEvent is an append-only audit row describing something that happened to an intent
type PaymentEvent struct {
	ID                uuid.UUID        `gorm:"type:uuid;primary_key" json:"id"`
	IntentID          *uuid.UUID       `gorm:"type:uuid;index" json:"intent_id,omitempty"`
	CheckoutRequestID string           `gorm:"type:varchar(100);index" json:"checkout_request_id,omitempty"`
	Event             PaymentEventType `gorm:"type:varchar(40);not null;index" json:"event"`
	Detail            JSON             `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt         time.Time        `gorm:"index" json:"created_at"`
}

// BeforeCreate will set a UUID rather than numeric ID
func (e *PaymentEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
