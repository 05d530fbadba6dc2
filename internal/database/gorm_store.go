package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agripay/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore keeps payment intents in a SQL database through GORM
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a new GORM-backed intent store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// Create inserts a new pending intent
func (s *GormStore) Create(ctx context.Context, in NewIntent) (*models.PaymentIntent, error) {
	if err := validateNewIntent(in); err != nil {
		return nil, err
	}
	intent := newIntent(in, s.now())
	if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return intent, nil
}

// AttachProviderIDs records the provider ids and moves the intent to processing
func (s *GormStore) AttachProviderIDs(ctx context.Context, localID uuid.UUID, checkoutID, merchantRequestID string, response models.JSON) (*models.PaymentIntent, error) {
	if checkoutID == "" {
		return nil, fmt.Errorf("%w: empty checkout id", ErrInvalidTransition)
	}

	var taken int64
	if err := s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("checkout_request_id = ?", checkoutID).Count(&taken).Error; err != nil {
		return nil, fmt.Errorf("failed to check checkout id: %w", err)
	}
	if taken > 0 {
		return nil, ErrAlreadyAttached
	}

	res := s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ? AND status = ? AND checkout_request_id IS NULL", localID, models.IntentStatusPending).
		Updates(map[string]interface{}{
			"checkout_request_id": checkoutID,
			"merchant_request_id": merchantRequestID,
			"provider_response":   response,
			"status":              models.IntentStatusProcessing,
			"updated_at":          s.now(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyAttached
		}
		return nil, fmt.Errorf("failed to attach provider ids: %w", res.Error)
	}

	intent, err := s.FindByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if intent.CheckoutRequestID != nil {
			return nil, ErrAlreadyAttached
		}
		return nil, ErrInvalidTransition
	}
	return intent, nil
}

// MarkTerminal settles the intent addressed by checkoutID if it is not terminal yet
func (s *GormStore) MarkTerminal(ctx context.Context, checkoutID string, u TerminalUpdate) (*models.PaymentIntent, bool, error) {
	if !u.Status.IsTerminal() {
		return nil, false, ErrInvalidTransition
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("checkout_request_id = ? AND status IN ?", checkoutID, models.NonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":           u.Status,
			"receipt_number":   u.ReceiptNumber,
			"transaction_date": u.TransactionDate,
			"result_code":      u.ResultCode,
			"result_desc":      u.ResultDesc,
			"callback_payload": u.Payload,
			"updated_at":       now,
			"completed_at":     now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to update payment intent %s: %w", checkoutID, res.Error)
	}

	intent, err := s.Find(ctx, checkoutID)
	if err != nil {
		return nil, false, err
	}
	return intent, res.RowsAffected == 1, nil
}

// FailPending marks an intent failed when the provider never acknowledged the push
func (s *GormStore) FailPending(ctx context.Context, localID uuid.UUID, reason string) (*models.PaymentIntent, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ? AND status = ?", localID, models.IntentStatusPending).
		Updates(map[string]interface{}{
			"status":       models.IntentStatusFailed,
			"result_desc":  reason,
			"updated_at":   now,
			"completed_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to fail payment intent %s: %w", localID, res.Error)
	}

	intent, err := s.FindByID(ctx, localID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && !intent.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	return intent, nil
}

// Find returns the intent with the given provider checkout id
func (s *GormStore) Find(ctx context.Context, checkoutID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutID).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return &intent, nil
}

// FindByID returns the intent with the given local id
func (s *GormStore) FindByID(ctx context.Context, localID uuid.UUID) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.WithContext(ctx).Where("id = ?", localID).First(&intent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return &intent, nil
}

// ListProcessingBefore returns processing intents created before cutoff, oldest first
func (s *GormStore) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	query := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.IntentStatusProcessing, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list processing intents: %w", err)
	}
	return intents, nil
}
