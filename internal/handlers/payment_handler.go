package handlers

import (
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/agripay/backend/internal/database"
	"github.com/agripay/backend/internal/models"
	"github.com/agripay/backend/internal/services/payment"
	"github.com/agripay/backend/internal/services/payment/mpesa"
	"github.com/agripay/backend/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	referencePrefix    = "AGP"
	defaultDescription = "AgriPay payment"
	maxCallbackBody    = 64 << 10
)

// PaymentHandler handles M-Pesa payment requests
type PaymentHandler struct {
	paymentService *payment.Service
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService *payment.Service) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

// InitiateRequest is the body of an STK push request
type InitiateRequest struct {
	Phone       string  `json:"phone"`
	Amount      float64 `json:"amount"`
	Reference   string  `json:"reference"`
	Description string  `json:"description"`
}

// InitiateResponse is returned once the push reached the payer's handset
type InitiateResponse struct {
	CheckoutID        string              `json:"checkoutId"`
	MerchantRequestID string              `json:"merchantRequestId"`
	CustomerMessage   string              `json:"customerMessage"`
	IntentID          uuid.UUID           `json:"intentId"`
	Status            models.IntentStatus `json:"status"`
}

// StatusRequest is the body of a status query
type StatusRequest struct {
	CheckoutID string `json:"checkoutId"`
}

// StatusResponse reports the current state of a payment
type StatusResponse struct {
	Status     models.IntentStatus `json:"status"`
	ResultDesc string              `json:"resultDesc"`
}

// IntentResponse is the client view of a payment intent. Provider payloads are left out.
type IntentResponse struct {
	ID                uuid.UUID           `json:"id"`
	CheckoutID        string              `json:"checkoutId,omitempty"`
	MerchantRequestID string              `json:"merchantRequestId,omitempty"`
	PhoneNumber       string              `json:"phoneNumber"`
	Amount            int64               `json:"amount"`
	Currency          string              `json:"currency"`
	Status            models.IntentStatus `json:"status"`
	Reference         string              `json:"reference"`
	Description       string              `json:"description"`
	ReceiptNumber     string              `json:"receiptNumber,omitempty"`
	TransactionDate   *time.Time          `json:"transactionDate,omitempty"`
	ResultDesc        string              `json:"resultDesc,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
	History           []EventResponse     `json:"history,omitempty"`
}

// EventResponse is one entry of an intent's audit trail. Event details stay server side.
type EventResponse struct {
	Event     models.PaymentEventType `json:"event"`
	CreatedAt time.Time               `json:"createdAt"`
}

func newIntentResponse(p *models.PaymentIntent) IntentResponse {
	return IntentResponse{
		ID:                p.ID,
		CheckoutID:        p.CheckoutID(),
		MerchantRequestID: p.MerchantRequestID,
		PhoneNumber:       p.PhoneNumber,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            p.Status,
		Reference:         p.AccountReference,
		Description:       p.Description,
		ReceiptNumber:     p.ReceiptNumber,
		TransactionDate:   p.TransactionDate,
		ResultDesc:        p.ResultDesc,
		CreatedAt:         p.CreatedAt,
		CompletedAt:       p.CompletedAt,
	}
}

// Initiate sends an STK push to the payer's phone
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if req.Amount != math.Trunc(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Amount must be a whole number of shillings"})
		return
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = utils.GenerateReference(referencePrefix)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = defaultDescription
	}

	res, err := h.paymentService.Initiate(c.Request.Context(), payment.InitiateRequest{
		UserID:      userIDFromContext(c),
		Phone:       req.Phone,
		Amount:      int64(req.Amount),
		Reference:   reference,
		Description: description,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, InitiateResponse{
		CheckoutID:        res.Intent.CheckoutID(),
		MerchantRequestID: res.Intent.MerchantRequestID,
		CustomerMessage:   res.CustomerMessage,
		IntentID:          res.Intent.ID,
		Status:            res.Intent.Status,
	})
}

// Callback receives the provider's STK result notification. The provider
// redelivers anything that is not the fixed acknowledgement, so every outcome,
// including a panic, is answered with it.
func (h *PaymentHandler) Callback(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic while applying STK callback: %v", r)
		}
		if !c.Writer.Written() {
			c.JSON(http.StatusOK, mpesa.Ack)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		log.Printf("Failed to read STK callback body: %v", err)
		return
	}

	if _, err := h.paymentService.ApplyCallback(c.Request.Context(), body); err != nil {
		log.Printf("STK callback not applied: %v", err)
	}
}

// RejectCallback records a callback that failed origin verification
func (h *PaymentHandler) RejectCallback(c *gin.Context, reason string) {
	h.paymentService.RecordRejectedCallback(c.Request.Context(), c.ClientIP(), reason)
}

// Status reconciles a payment with the provider and reports its state
func (h *PaymentHandler) Status(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.CheckoutID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "checkoutId is required"})
		return
	}

	intent, err := h.paymentService.Get(c.Request.Context(), req.CheckoutID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ownedBy(intent, c) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Payment not found"})
		return
	}

	res, err := h.paymentService.Reconcile(c.Request.Context(), req.CheckoutID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:     res.Intent.Status,
		ResultDesc: res.ResultDesc,
	})
}

// Get returns a payment intent without contacting the provider
func (h *PaymentHandler) Get(c *gin.Context) {
	intent, err := h.paymentService.Get(c.Request.Context(), c.Param("checkoutId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ownedBy(intent, c) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Payment not found"})
		return
	}

	resp := newIntentResponse(intent)
	events, err := h.paymentService.History(c.Request.Context(), intent)
	if err != nil {
		log.Printf("Failed to load payment history checkout_id=%s: %v", intent.CheckoutID(), err)
	}
	for _, e := range events {
		resp.History = append(resp.History, EventResponse{Event: e.Event, CreatedAt: e.CreatedAt})
	}

	c.JSON(http.StatusOK, resp)
}

// writeError maps service errors to a status code and a message safe to show a payer
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mpesa.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Payment not found"})
	case errors.Is(err, mpesa.ErrGatewayRejected):
		c.JSON(http.StatusInternalServerError, gin.H{"message": "M-Pesa declined the payment request"})
	case errors.Is(err, mpesa.ErrConnectivity):
		c.JSON(http.StatusInternalServerError, gin.H{"message": "M-Pesa is unreachable, please try again"})
	default:
		log.Printf("Payment request failed path=%s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Unable to process payment at this time"})
	}
}

func userIDFromContext(c *gin.Context) *uuid.UUID {
	value, exists := c.Get("user_id")
	if !exists {
		return nil
	}
	id, ok := value.(uuid.UUID)
	if !ok || id == uuid.Nil {
		return nil
	}
	return &id
}

// ownedBy reports whether the authenticated caller may see intent
func ownedBy(intent *models.PaymentIntent, c *gin.Context) bool {
	if intent.UserID == nil {
		return true
	}
	caller := userIDFromContext(c)
	return caller != nil && *caller == *intent.UserID
}
