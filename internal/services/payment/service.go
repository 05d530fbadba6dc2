// Package payment coordinates M-Pesa STK push payments: it drives the gateway
// client, keeps the intent store in step with the provider, and writes the
// payment audit trail.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/agripay/backend/internal/audit"
	"github.com/agripay/backend/internal/database"
	"github.com/agripay/backend/internal/models"
	"github.com/agripay/backend/internal/services/payment/mpesa"
	"github.com/google/uuid"
)

// ExpiredDesc is recorded on intents cancelled because the polling horizon elapsed
const ExpiredDesc = "payment not confirmed before the polling horizon elapsed"

// ErrPersistence means the provider accepted a push that could not be recorded
// locally. It is a configuration fault: the payer may be charged with no local record.
var ErrPersistence = errors.New("payment accepted by provider but not persisted")

// Gateway is the subset of the M-Pesa client the service drives
type Gateway interface {
	InitiatePush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResult, error)
	QueryStatus(ctx context.Context, checkoutID string) (*mpesa.QueryResult, error)
}

// Recorder appends to the payment audit trail
type Recorder interface {
	Record(ctx context.Context, e audit.Event) error
}

// HistoryReader returns the audit trail of an intent
type HistoryReader interface {
	History(ctx context.Context, intentID uuid.UUID) ([]models.PaymentEvent, error)
}

// Scheduler arranges background reconciliation for an intent that is waiting on the payer
type Scheduler interface {
	ScheduleReconcile(ctx context.Context, checkoutID string, initiatedAt time.Time) error
}

// InitiateRequest is a payer's request to start a charge
type InitiateRequest struct {
	UserID      *uuid.UUID
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

// InitiateResult is returned once the provider has acknowledged the push
type InitiateResult struct {
	Intent          *models.PaymentIntent
	CustomerMessage string
}

// ReconcileResult is the state of an intent after a status reconciliation
type ReconcileResult struct {
	Intent     *models.PaymentIntent
	ResultDesc string
}

// Service handles M-Pesa payment operations
type Service struct {
	gateway   Gateway
	store     database.IntentStore
	recorder  Recorder
	scheduler Scheduler
}

// NewService creates a new payment service
func NewService(gateway Gateway, store database.IntentStore, recorder Recorder) *Service {
	return &Service{
		gateway:  gateway,
		store:    store,
		recorder: recorder,
	}
}

// SetScheduler enables background reconciliation of initiated payments
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// Initiate validates the request, records a pending intent and sends the STK push.
// The provider ids are attached only after a definitive acknowledgement.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := mpesa.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	intent, err := s.store.Create(ctx, database.NewIntent{
		UserID:           req.UserID,
		PhoneNumber:      phone,
		Amount:           req.Amount,
		Currency:         models.DefaultCurrency,
		AccountReference: req.Reference,
		Description:      req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	s.record(ctx, models.PaymentEventInitiated, intent, map[string]interface{}{
		"phone":     phone,
		"amount":    req.Amount,
		"reference": req.Reference,
	})

	push, err := s.gateway.InitiatePush(ctx, mpesa.PushRequest{
		Phone:       phone,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		log.Printf("STK push failed intent_id=%s phone=%s amount=%d: %v", intent.ID, phone, req.Amount, err)
		// The push never reached a definitive acknowledgement, so no provider id exists to attach
		persistCtx := context.WithoutCancel(ctx)
		if _, failErr := s.store.FailPending(persistCtx, intent.ID, failureReason(err)); failErr != nil {
			log.Printf("Failed to mark intent %s failed: %v", intent.ID, failErr)
		}
		s.record(persistCtx, models.PaymentEventInitiationFailed, intent, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	// The provider has sent the prompt; from here on a lost write means a charge
	// with no local record, so the request context no longer applies.
	persistCtx := context.WithoutCancel(ctx)
	attached, err := s.store.AttachProviderIDs(persistCtx, intent.ID, push.CheckoutRequestID, push.MerchantRequestID, models.RawJSON(push.Raw))
	if err != nil {
		log.Printf("CRITICAL: provider accepted push but attach failed intent_id=%s checkout_id=%s merchant_request_id=%s phone=%s amount=%d: %v",
			intent.ID, push.CheckoutRequestID, push.MerchantRequestID, phone, req.Amount, err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	s.record(persistCtx, models.PaymentEventAttached, attached, map[string]interface{}{
		"merchant_request_id": push.MerchantRequestID,
		"customer_message":    push.CustomerMessage,
	})

	log.Printf("STK push sent intent_id=%s checkout_id=%s phone=%s amount=%d", attached.ID, push.CheckoutRequestID, phone, req.Amount)

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleReconcile(persistCtx, push.CheckoutRequestID, attached.CreatedAt); err != nil {
			log.Printf("Failed to schedule reconciliation checkout_id=%s: %v", push.CheckoutRequestID, err)
		}
	}

	return &InitiateResult{Intent: attached, CustomerMessage: push.CustomerMessage}, nil
}

// ApplyCallback applies a provider result notification to the intent it names.
// A duplicate or late notification for a settled intent is a no-op.
func (s *Service) ApplyCallback(ctx context.Context, body []byte) (*models.PaymentIntent, error) {
	result, err := mpesa.ParseCallback(body)
	if err != nil {
		log.Printf("Ignoring malformed STK callback (%d bytes): %v", len(body), err)
		s.recordEvent(ctx, audit.Event{
			Type:   models.PaymentEventCallbackReceived,
			Detail: map[string]interface{}{"malformed": true, "error": err.Error()},
		})
		return nil, err
	}

	code := result.ResultCode
	update := database.TerminalUpdate{
		Status:     models.IntentStatusFailed,
		ResultCode: &code,
		ResultDesc: result.ResultDesc,
		Payload:    models.RawJSON(result.Raw),
	}
	if result.Succeeded() {
		update.Status = models.IntentStatusCompleted
		update.ReceiptNumber = result.ReceiptNumber
		update.TransactionDate = result.TransactionDate
	}

	s.recordEvent(ctx, audit.Event{
		Type:       models.PaymentEventCallbackReceived,
		CheckoutID: result.CheckoutRequestID,
		Detail: map[string]interface{}{
			"result_code": result.ResultCode,
			"result_desc": result.ResultDesc,
			"receipt":     result.ReceiptNumber,
		},
	})

	intent, applied, err := s.store.MarkTerminal(ctx, result.CheckoutRequestID, update)
	if err != nil {
		log.Printf("Failed to apply STK callback checkout_id=%s result_code=%d: %v", result.CheckoutRequestID, result.ResultCode, err)
		return nil, err
	}

	if !applied {
		if result.Succeeded() && intent.Status != models.IntentStatusCompleted {
			log.Printf("CRITICAL: provider collected payment for settled intent checkout_id=%s status=%s receipt=%s phone=%s amount=%d",
				result.CheckoutRequestID, intent.Status, result.ReceiptNumber, intent.PhoneNumber, intent.Amount)
			s.record(ctx, models.PaymentEventLateSuccess, intent, map[string]interface{}{
				"status":           intent.Status,
				"receipt":          result.ReceiptNumber,
				"transaction_date": result.TransactionDate,
				"callback_amount":  result.Amount,
			})
			return intent, nil
		}
		log.Printf("Duplicate STK callback checkout_id=%s already %s", result.CheckoutRequestID, intent.Status)
		return intent, nil
	}

	if result.Succeeded() && result.Amount != 0 && result.Amount != intent.Amount {
		log.Printf("WARNING: callback amount %d differs from intent amount %d checkout_id=%s", result.Amount, intent.Amount, result.CheckoutRequestID)
	}
	log.Printf("Payment %s checkout_id=%s receipt=%s phone=%s amount=%d: %s",
		intent.Status, result.CheckoutRequestID, result.ReceiptNumber, intent.PhoneNumber, intent.Amount, result.ResultDesc)
	s.record(ctx, models.PaymentEventTerminal, intent, map[string]interface{}{
		"status": intent.Status,
		"source": "callback",
	})
	return intent, nil
}

// Reconcile brings the intent addressed by checkoutID in line with the provider.
// Settled intents are returned without contacting the provider; an indeterminate
// answer leaves the intent untouched.
func (s *Service) Reconcile(ctx context.Context, checkoutID string) (*ReconcileResult, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return nil, fmt.Errorf("%w: checkout id is required", mpesa.ErrValidation)
	}

	intent, err := s.store.Find(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if intent.Status != models.IntentStatusProcessing {
		return &ReconcileResult{Intent: intent, ResultDesc: intent.ResultDesc}, nil
	}

	query, err := s.gateway.QueryStatus(ctx, checkoutID)
	if err != nil {
		log.Printf("Status query failed checkout_id=%s phone=%s amount=%d: %v", checkoutID, intent.PhoneNumber, intent.Amount, err)
		return nil, err
	}

	if query.Outcome == mpesa.OutcomeIndeterminate {
		return &ReconcileResult{Intent: intent, ResultDesc: query.ResultDesc}, nil
	}

	update := database.TerminalUpdate{
		Status:     models.IntentStatusFailed,
		ResultDesc: query.ResultDesc,
		Payload:    models.RawJSON(query.Raw),
	}
	if query.Outcome == mpesa.OutcomeCompleted {
		update.Status = models.IntentStatusCompleted
	}
	if code, err := strconv.Atoi(query.ResultCode); err == nil {
		update.ResultCode = &code
	}

	settled, applied, err := s.store.MarkTerminal(ctx, checkoutID, update)
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("Payment %s by status query checkout_id=%s phone=%s amount=%d: %s",
			settled.Status, checkoutID, settled.PhoneNumber, settled.Amount, query.ResultDesc)
		s.record(ctx, models.PaymentEventReconciled, settled, map[string]interface{}{
			"status":      settled.Status,
			"result_code": query.ResultCode,
		})
	}
	return &ReconcileResult{Intent: settled, ResultDesc: settled.ResultDesc}, nil
}

// Expire settles an intent whose polling horizon has elapsed: one last status
// query, then cancellation only if the provider answers that it is still
// undecided. When the provider cannot be asked the intent stays processing
// and the error is returned so a later sweep tries again.
func (s *Service) Expire(ctx context.Context, checkoutID string) (*models.PaymentIntent, error) {
	res, err := s.Reconcile(ctx, checkoutID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) && !errors.Is(err, mpesa.ErrValidation) {
			log.Printf("Final status query failed checkout_id=%s, leaving processing: %v", checkoutID, err)
		}
		return nil, err
	}
	if res.Intent.Status != models.IntentStatusProcessing {
		return res.Intent, nil
	}

	intent, applied, err := s.store.MarkTerminal(ctx, checkoutID, database.TerminalUpdate{
		Status:     models.IntentStatusCancelled,
		ResultDesc: ExpiredDesc,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("Payment cancelled checkout_id=%s phone=%s amount=%d: %s", checkoutID, intent.PhoneNumber, intent.Amount, ExpiredDesc)
		s.record(ctx, models.PaymentEventExpired, intent, nil)
	}
	return intent, nil
}

// History returns the audit trail of intent when the recorder keeps one
func (s *Service) History(ctx context.Context, intent *models.PaymentIntent) ([]models.PaymentEvent, error) {
	reader, ok := s.recorder.(HistoryReader)
	if !ok {
		return nil, nil
	}
	return reader.History(ctx, intent.ID)
}

// Get returns the intent for a checkout id
func (s *Service) Get(ctx context.Context, checkoutID string) (*models.PaymentIntent, error) {
	if strings.TrimSpace(checkoutID) == "" {
		return nil, fmt.Errorf("%w: checkout id is required", mpesa.ErrValidation)
	}
	return s.store.Find(ctx, checkoutID)
}

// RecordRejectedCallback notes a callback that failed origin verification
func (s *Service) RecordRejectedCallback(ctx context.Context, remoteIP, reason string) {
	s.recordEvent(ctx, audit.Event{
		Type:   models.PaymentEventCallbackRejected,
		Detail: map[string]interface{}{"remote_ip": remoteIP, "reason": reason},
	})
}

func (s *Service) record(ctx context.Context, event models.PaymentEventType, intent *models.PaymentIntent, detail map[string]interface{}) {
	id := intent.ID
	s.recordEvent(ctx, audit.Event{
		Type:       event,
		IntentID:   &id,
		CheckoutID: intent.CheckoutID(),
		Detail:     detail,
	})
}

func (s *Service) recordEvent(ctx context.Context, e audit.Event) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		log.Printf("Failed to record payment event %s: %v", e.Type, err)
	}
}

func failureReason(err error) string {
	var rejected *mpesa.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Message
	}
	return err.Error()
}
