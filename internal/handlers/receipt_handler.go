package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/clients"
	"attest-backend/internal/commitment"
	"attest-backend/internal/dto"
	"attest-backend/internal/models"
	"attest-backend/internal/services"
)

// ReceiptHandler receipt API
type ReceiptHandler struct {
	receipts *services.ReceiptService
	logger   logrus.FieldLogger
}

func NewReceiptHandler(receipts *services.ReceiptService, logger logrus.FieldLogger) *ReceiptHandler {
	return &ReceiptHandler{receipts: receipts, logger: logger}
}

// receiptError maps service errors to HTTP statuses.
func receiptError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, services.ErrReceiptNotFound):
		status, code = http.StatusNotFound, "RECEIPT_NOT_FOUND"
	case errors.Is(err, models.ErrTerminal), errors.Is(err, models.ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, services.ErrNotAnchored):
		status, code = http.StatusConflict, "NOT_ANCHORED"
	case errors.Is(err, services.ErrInvalidCommit), errors.Is(err, commitment.ErrInvalidHex):
		status, code = http.StatusBadRequest, "INVALID_COMMITMENT"
	case errors.Is(err, services.ErrPaymentRequired):
		status, code = http.StatusPaymentRequired, "PAYMENT_NOT_CAPTURED"
	case errors.Is(err, services.ErrInvalidChain):
		status, code = http.StatusBadRequest, "INVALID_CHAIN"
	case errors.Is(err, services.ErrInvalidTTL):
		status, code = http.StatusBadRequest, "INVALID_TTL"
	case errors.Is(err, services.ErrReceiptBusy):
		status, code = http.StatusServiceUnavailable, "RECEIPT_BUSY"
	case errors.Is(err, clients.ErrEvidenceUnavailable):
		status, code = http.StatusBadGateway, "EVIDENCE_UNAVAILABLE"
	}
	c.JSON(status, dto.ErrorResponse{Error: err.Error(), Code: code})
}

// CreateReceipt POST /api/receipts
func (h *ReceiptHandler) CreateReceipt(c *gin.Context) {
	var req dto.CreateReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	opts := services.CreateOptions{
		Chain:      req.Chain,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		PaymentRef: req.PaymentRef,
	}

	var (
		receipt *models.AttestationReceipt
		err     error
	)
	switch {
	case len(req.Payload) > 0 && req.InitiatorCommit != "":
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "send either payload or initiatorCommit, not both", Code: "INVALID_REQUEST"})
		return
	case len(req.Payload) > 0:
		receipt, err = h.receipts.CreateReceipt(c.Request.Context(), req.Payload, opts)
	case req.InitiatorCommit != "":
		receipt, err = h.receipts.CreateFromCommit(c.Request.Context(), req.InitiatorCommit, opts)
	default:
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "payload or initiatorCommit is required", Code: "INVALID_REQUEST"})
		return
	}
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// CreateBatchReceipt POST /api/receipts/batch
func (h *ReceiptHandler) CreateBatchReceipt(c *gin.Context) {
	var req dto.CreateBatchReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	receipt, err := h.receipts.CreateBatchReceipt(c.Request.Context(), req.BatchRef, services.CreateOptions{
		Chain:      req.Chain,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// GetReceipt GET /api/receipts/:id
func (h *ReceiptHandler) GetReceipt(c *gin.Context) {
	receipt, err := h.receipts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// CounterSign POST /api/receipts/:id/counter
func (h *ReceiptHandler) CounterSign(c *gin.Context) {
	var req dto.CounterSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	var terms any
	if len(req.Terms) > 0 {
		terms = req.Terms
	}
	receipt, err := h.receipts.CounterSign(c.Request.Context(), c.Param("id"), req.Counterparty, terms)
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// VoidReceipt POST /api/receipts/:id/void
func (h *ReceiptHandler) VoidReceipt(c *gin.Context) {
	receipt, err := h.receipts.Void(c.Request.Context(), c.Param("id"))
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// RefundReceipt POST /api/receipts/:id/refund
func (h *ReceiptHandler) RefundReceipt(c *gin.Context) {
	receipt, err := h.receipts.Refund(c.Request.Context(), c.Param("id"))
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// VerifyReceipt GET /api/receipts/:id/verify
func (h *ReceiptHandler) VerifyReceipt(c *gin.Context) {
	res, err := h.receipts.VerifyAnchor(c.Request.Context(), c.Param("id"))
	if err != nil {
		receiptError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
