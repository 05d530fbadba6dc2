package database

import (
	"context"
	"errors"
	"time"

	"github.com/agripay/backend/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no intent matches the given identifier
	ErrNotFound = errors.New("payment intent not found")
	// ErrAlreadyAttached is returned when provider ids are attached a second time
	ErrAlreadyAttached = errors.New("provider ids already attached to payment intent")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid payment intent status transition")
)

// NewIntent holds the fields fixed at creation time
type NewIntent struct {
	UserID           *uuid.UUID
	PhoneNumber      string
	Amount           int64
	Currency         string
	AccountReference string
	Description      string
}

// TerminalUpdate describes how an intent settles
type TerminalUpdate struct {
	Status          models.IntentStatus
	ReceiptNumber   string
	TransactionDate *time.Time
	ResultCode      *int
	ResultDesc      string
	Payload         models.JSON
}

// IntentStore is the durable record of every payment attempt.
//
// MarkTerminal is a compare-and-set on the current status: of any number of
// concurrent callers at most one moves an intent into a terminal state, and the
// others get applied=false with no error.
type IntentStore interface {
	Create(ctx context.Context, in NewIntent) (*models.PaymentIntent, error)
	AttachProviderIDs(ctx context.Context, localID uuid.UUID, checkoutID, merchantRequestID string, response models.JSON) (*models.PaymentIntent, error)
	MarkTerminal(ctx context.Context, checkoutID string, update TerminalUpdate) (intent *models.PaymentIntent, applied bool, err error)
	FailPending(ctx context.Context, localID uuid.UUID, reason string) (*models.PaymentIntent, error)
	Find(ctx context.Context, checkoutID string) (*models.PaymentIntent, error)
	FindByID(ctx context.Context, localID uuid.UUID) (*models.PaymentIntent, error)
	ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error)
}

func newIntent(in NewIntent, now time.Time) *models.PaymentIntent {
	currency := in.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}
	return &models.PaymentIntent{
		ID:               uuid.New(),
		UserID:           in.UserID,
		PhoneNumber:      in.PhoneNumber,
		Amount:           in.Amount,
		Currency:         currency,
		Status:           models.IntentStatusPending,
		AccountReference: in.AccountReference,
		Description:      in.Description,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func validateNewIntent(in NewIntent) error {
	if in.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	if in.PhoneNumber == "" {
		return errors.New("phone number is required")
	}
	return nil
}

// applyAttach performs the pending -> processing step on an in-memory copy
func applyAttach(p *models.PaymentIntent, checkoutID, merchantRequestID string, response models.JSON, now time.Time) error {
	if p.CheckoutRequestID != nil {
		return ErrAlreadyAttached
	}
	if p.Status != models.IntentStatusPending {
		return ErrInvalidTransition
	}
	id := checkoutID
	p.CheckoutRequestID = &id
	p.MerchantRequestID = merchantRequestID
	p.ProviderResponse = response
	p.Status = models.IntentStatusProcessing
	p.UpdatedAt = now
	return nil
}

// applyTerminal moves p into a terminal state; false means p was already terminal
func applyTerminal(p *models.PaymentIntent, u TerminalUpdate, now time.Time) bool {
	if p.Status.IsTerminal() {
		return false
	}
	p.Status = u.Status
	p.ReceiptNumber = u.ReceiptNumber
	p.TransactionDate = u.TransactionDate
	p.ResultCode = u.ResultCode
	p.ResultDesc = u.ResultDesc
	p.CallbackPayload = u.Payload
	p.UpdatedAt = now
	p.CompletedAt = &now
	return true
}
