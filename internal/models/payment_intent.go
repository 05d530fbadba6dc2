package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IntentStatus represents the lifecycle state of a payment intent
type IntentStatus string

const (
	IntentStatusPending    IntentStatus = "pending"
	IntentStatusProcessing IntentStatus = "processing"
	IntentStatusCompleted  IntentStatus = "completed"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusCancelled  IntentStatus = "cancelled"
)

// DefaultCurrency is the only currency M-Pesa STK push collects in
const DefaultCurrency = "KES"

// IsTerminal reports whether no further transition is allowed out of s
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusCompleted, IntentStatusFailed, IntentStatusCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses lists the statuses a terminal transition may start from
var NonTerminalStatuses = []IntentStatus{IntentStatusPending, IntentStatusProcessing}

// PaymentIntent is one attempted mobile-money charge. Rows are never deleted;
// they are the financial audit record for the charge.
type PaymentIntent struct {
	ID                uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	UserID            *uuid.UUID   `gorm:"type:uuid;index" json:"user_id,omitempty"`
	CheckoutRequestID *string      `gorm:"type:varchar(100);uniqueIndex" json:"checkout_request_id,omitempty"`
	MerchantRequestID string       `gorm:"type:varchar(100)" json:"merchant_request_id,omitempty"`
	PhoneNumber       string       `gorm:"type:varchar(20);not null" json:"phone_number"`
	Amount            int64        `gorm:"not null" json:"amount"`
	Currency          string       `gorm:"type:varchar(3);not null;default:'KES'" json:"currency"`
	Status            IntentStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	AccountReference  string       `gorm:"type:varchar(100)" json:"account_reference"`
	Description       string       `gorm:"type:text" json:"description"`
	ReceiptNumber     string       `gorm:"type:varchar(50)" json:"receipt_number,omitempty"`
	TransactionDate   *time.Time   `json:"transaction_date,omitempty"`
	ResultCode        *int         `json:"result_code,omitempty"`
	ResultDesc        string       `gorm:"type:text" json:"result_desc,omitempty"`
	ProviderResponse  JSON         `gorm:"type:jsonb" json:"provider_response,omitempty"`
	CallbackPayload   JSON         `gorm:"type:jsonb" json:"callback_payload,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// BeforeCreate will set a UUID rather than numeric ID
func (p *PaymentIntent) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// CheckoutID returns the provider checkout identifier or "" when not yet attached
func (p *PaymentIntent) CheckoutID() string {
	if p.CheckoutRequestID == nil {
		return ""
	}
	return *p.CheckoutRequestID
}
