package handlers

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stablepay-backend/internal/models"
	"stablepay-backend/internal/repository"
	"stablepay-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"
)

const maxWait = 120 * time.Second

//go:embed schemas/create_payment.json
var createPaymentSchemaJSON []byte

var createPaymentSchema = mustLoadSchema(createPaymentSchemaJSON)

func mustLoadSchema(raw []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

// PaymentService is what the payment endpoints need from settlement.
type PaymentService interface {
	CreatePayment(ctx context.Context, req services.CreatePaymentRequest) (*services.CreatePaymentResult, error)
	GetPaymentStatus(ctx context.Context, txHash string) (*services.TxStatus, error)
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	AwaitPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	ListPayments(ctx context.Context, filter repository.PaymentFilter) ([]*models.Payment, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*models.Payment, error)
	Stats(ctx context.Context) (*models.PaymentStats, error)
	CancelPayment(ctx context.Context, paymentID string) (*models.Payment, error)
}

// PaymentReconciler re-reads the ledger for one payment.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, paymentID string) (*services.ReconcileResult, error)
}

// CreatePaymentRequest body of POST /payments/create
type CreatePaymentRequest struct {
	RecipientAddress string      `json:"recipient_address"`
	Amount           json.Number `json:"amount"`
	Stablecoin       string      `json:"stablecoin"`
	Description      string      `json:"description,omitempty"`
}

// PaymentHandler serves the merchant payment API
type PaymentHandler struct {
	payments   PaymentService
	reconciler PaymentReconciler
}

func NewPaymentHandler(payments PaymentService, reconciler PaymentReconciler) *PaymentHandler {
	return &PaymentHandler{payments: payments, reconciler: reconciler}
}

// CreatePaymentHandler submits a settlement for a USD amount
// POST /payments/create
func (h *PaymentHandler) CreatePaymentHandler(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "Could not read request body", nil)
		return
	}
	if problems := validateAgainst(createPaymentSchema, body); len(problems) > 0 {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "Invalid request body", problems)
		return
	}

	var req CreatePaymentRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "amount must be a decimal number", nil)
		return
	}

	result, err := h.payments.CreatePayment(c.Request.Context(), services.CreatePaymentRequest{
		RecipientAddress: req.RecipientAddress,
		Amount:           req.Amount.String(),
		Stablecoin:       req.Stablecoin,
		Description:      req.Description,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"payment_id": result.PaymentID,
		"tx_hash":    result.TxHash,
	}).Info("✅ [API] Payment submitted")

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Payment submitted",
		"data":    result,
	})
}

// validateAgainst returns one message per schema violation.
func validateAgainst(schema *gojsonschema.Schema, body []byte) []string {
	if len(bytes.TrimSpace(body)) == 0 {
		return []string{"(root): request body is required"}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("(root): %v", err)}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return problems
}

// GetPaymentStatusHandler reads a transaction's state from the ledger
// GET /payments/status/:tx_hash
func (h *PaymentHandler) GetPaymentStatusHandler(c *gin.Context) {
	status, err := h.payments.GetPaymentStatus(c.Request.Context(), c.Param("tx_hash"))
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetPaymentHandler returns one payment. With ?wait=<seconds> it blocks
// until the payment is terminal or the wait runs out.
// GET /payments/by-id/:payment_id
func (h *PaymentHandler) GetPaymentHandler(c *gin.Context) {
	paymentID := c.Param("payment_id")
	ctx := c.Request.Context()

	wait, ok := parseWait(c)
	if !ok {
		return
	}

	var payment *models.Payment
	var err error
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		payment, err = h.payments.AwaitPayment(waitCtx, paymentID)
		cancel()
		if payment != nil {
			// terminal failures are part of the record, not request errors
			err = nil
		} else if errors.Is(err, context.DeadlineExceeded) {
			payment, err = h.payments.GetPayment(ctx, paymentID)
		}
	} else {
		payment, err = h.payments.GetPayment(ctx, paymentID)
	}
	if err != nil {
		respondWithServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    payment,
	})
}

func parseWait(c *gin.Context) (time.Duration, bool) {
	raw := c.Query("wait")
	if raw == "" {
		return 0, true
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		respondWithError(c, http.StatusBadRequest, services.CodeValidation, "wait must be a number of seconds", nil)
		return 0, false
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxWait {
		wait = maxWait
	}
	return wait, true
}

// GetAllPaymentsHandler lists payments newest first
// GET /payments/all
func (h *PaymentHandler) GetAllPaymentsHandler(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	filter := repository.PaymentFilter{
		Stablecoin: strings.ToUpper(c.Query("stablecoin")),
		Limit:      limit,
		Offset:     offset,
	}
	payments, err := h.payments.ListPayments(c.Request.Context(), filter)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	respondWithList(c, payments, limit, offset)
}

// GetPaymentsByStatusHandler lists payments in one status
// GET /payments/by-status/:status
func (h *PaymentHandler) GetPaymentsByStatusHandler(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	payments, err := h.payments.ListByStatus(c.Request.Context(), c.Param("status"), limit, offset)
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	respondWithList(c, payments, limit, offset)
}

// GetReconciliationQueueHandler lists payments flagged for reconciliation
// GET /payments/reconciliation
func (h *PaymentHandler) GetReconciliationQueueHandler(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	flagged := true
	payments, err := h.payments.ListPayments(c.Request.Context(), repository.PaymentFilter{
		NeedsReconciliation: &flagged,
		Limit:               limit,
		Offset:              offset,
	})
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	respondWithList(c, payments, limit, offset)
}

func respondWithList(c *gin.Context, payments []*models.Payment, limit, offset int) {
	if payments == nil {
		payments = []*models.Payment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    payments,
		"count":   len(payments),
		"limit":   limit,
		"offset":  offset,
	})
}

// GetPaymentStatsHandler registry totals
// GET /payments/stats
func (h *PaymentHandler) GetPaymentStatsHandler(c *gin.Context) {
	stats, err := h.payments.Stats(c.Request.Context())
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}

// CancelPaymentHandler stops tracking a pending payment. Nothing is sent
// to the ledger.
// POST /payments/:payment_id/cancel
func (h *PaymentHandler) CancelPaymentHandler(c *gin.Context) {
	payment, err := h.payments.CancelPayment(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Payment tracking cancelled; the transaction may still be mined",
		"data":    payment,
	})
}

// ReconcilePaymentHandler re-reads the ledger for one payment
// POST /payments/:payment_id/reconcile
func (h *PaymentHandler) ReconcilePaymentHandler(c *gin.Context) {
	result, err := h.reconciler.Reconcile(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}
