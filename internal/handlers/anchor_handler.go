package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/dto"
	"attest-backend/internal/models"
	"attest-backend/internal/repository"
	"attest-backend/internal/services"
)

// AnchorHandler sweep trigger, confirmation polling and dead-letter listing
type AnchorHandler struct {
	sweeps        *services.SweepService
	anchors       *services.AnchorService
	confirmations *services.ConfirmationService
	records       repository.ConfirmationRepository
	deadLetters   repository.DeadLetterRepository
	logger        logrus.FieldLogger
}

func NewAnchorHandler(
	sweeps *services.SweepService,
	anchors *services.AnchorService,
	confirmations *services.ConfirmationService,
	records repository.ConfirmationRepository,
	deadLetters repository.DeadLetterRepository,
	logger logrus.FieldLogger,
) *AnchorHandler {
	return &AnchorHandler{
		sweeps:        sweeps,
		anchors:       anchors,
		confirmations: confirmations,
		records:       records,
		deadLetters:   deadLetters,
		logger:        logger,
	}
}

// Sweep POST /api/admin/anchor/sweep
func (h *AnchorHandler) Sweep(c *gin.Context) {
	h.logger.WithField("admin", c.GetString("admin_username")).Info("🔧 Manual sweep triggered")
	report := h.sweeps.Sweep(c.Request.Context(), services.TriggerManual)
	status := http.StatusOK
	if report.Error != "" {
		status = http.StatusInternalServerError
	}
	c.JSON(status, report)
}

// ProcessJob POST /api/admin/anchor/jobs/:id/process
func (h *AnchorHandler) ProcessJob(c *gin.Context) {
	res, err := h.anchors.ProcessOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Code: "STORE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// PollConfirmations POST /api/anchor/confirmations
func (h *AnchorHandler) PollConfirmations(c *gin.Context) {
	var reqs []services.PollRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	finals, err := h.confirmations.Poll(c.Request.Context(), reqs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Code: "STORE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"final": finals})
}

// PollStored POST /api/admin/anchor/confirmations/poll
func (h *AnchorHandler) PollStored(c *gin.Context) {
	summary, err := h.confirmations.PollStored(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Code: "STORE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetConfirmation GET /api/anchor/confirmations/:txHash
func (h *AnchorHandler) GetConfirmation(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("txHash"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "confirmation record not found", Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Code: "STORE_FAILURE"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListDeadLetters GET /api/admin/anchor/dead-letters?cursor=&limit=
func (h *AnchorHandler) ListDeadLetters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "limit must be between 1 and 500", Code: "INVALID_REQUEST"})
		return
	}
	ctx := c.Request.Context()
	ids, next, err := h.deadLetters.List(ctx, c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Code: "STORE_FAILURE"})
		return
	}
	items := make([]*models.DeadLetter, 0, len(ids))
	for _, id := range ids {
		dl, err := h.deadLetters.Get(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: err.Error(), Code: "STORE_FAILURE"})
			return
		}
		items = append(items, dl)
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "next": next})
}
