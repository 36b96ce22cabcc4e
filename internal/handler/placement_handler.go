package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/middleware"
	"github.com/prohmpiriya/featured-placement/pkg/response"
)

// PlacementHandler handles the owner-facing featured placement endpoints
type PlacementHandler struct {
	admission service.AdmissionService
	capacity  service.CapacityService
}

// NewPlacementHandler creates a new PlacementHandler
func NewPlacementHandler(admission service.AdmissionService, capacity service.CapacityService) *PlacementHandler {
	return &PlacementHandler{
		admission: admission,
		capacity:  capacity,
	}
}

// Join handles POST /api/v1/featured/join
func (h *PlacementHandler) Join(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}

	var req dto.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	resp, err := h.admission.Join(c.Request.Context(), userID, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.OK(c, resp)
}

// GetEntry handles GET /api/v1/featured/entries/:id
func (h *PlacementHandler) GetEntry(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	entryID, ok := entryIDParam(c)
	if !ok {
		return
	}

	entry, err := h.admission.GetEntry(c.Request.Context(), userID, entryID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.OK(c, gin.H{"success": true, "entry": entry})
}

// Requeue handles POST /api/v1/featured/entries/:id/requeue
func (h *PlacementHandler) Requeue(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "authentication required")
		return
	}
	entryID, ok := entryIDParam(c)
	if !ok {
		return
	}

	var req dto.RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	entry, err := h.admission.Requeue(c.Request.Context(), userID, entryID, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.OK(c, gin.H{"success": true, "entry": entry})
}

// GetCapacity handles GET /api/v1/featured/areas/:area/capacity
func (h *PlacementHandler) GetCapacity(c *gin.Context) {
	capacity, err := h.capacity.GetCapacity(c.Request.Context(), c.Param("area"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	response.OK(c, &dto.CapacityResponse{Success: true, AreaCapacity: capacity})
}

func entryIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid entry id")
		return 0, false
	}
	return id, true
}

// handleError maps domain errors to HTTP responses
func (h *PlacementHandler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, domain.ErrListingNotFound):
		response.Error(c, http.StatusNotFound, "LISTING_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrEntryNotFound):
		response.Error(c, http.StatusNotFound, "ENTRY_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrAlreadyQueued):
		response.Error(c, http.StatusConflict, "ALREADY_QUEUED", err.Error())
	case errors.Is(err, domain.ErrCapacityRaceLost):
		response.Error(c, http.StatusConflict, "CAPACITY_RACE_LOST", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		response.Error(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, domain.ErrPreconditionFailed):
		response.Error(c, http.StatusPreconditionFailed, "NO_PAYMENT_METHOD", err.Error())
	case errors.Is(err, domain.ErrPaymentProofIncomplete):
		response.Error(c, http.StatusUnprocessableEntity, "PAYMENT_PROOF_INCOMPLETE", err.Error())
	case errors.Is(err, domain.ErrPaymentMismatch):
		response.Error(c, http.StatusUnprocessableEntity, "PAYMENT_MISMATCH", err.Error())
	case errors.Is(err, domain.ErrInvalidConsent):
		response.Error(c, http.StatusUnprocessableEntity, "INVALID_CONSENT", err.Error())
	case errors.Is(err, domain.ErrInvalidArea):
		response.BadRequest(c, err.Error())
	case gateway.IsTransient(err):
		response.Error(c, http.StatusServiceUnavailable, "PAYMENT_PROVIDER_UNAVAILABLE", "payment provider unavailable, try again")
	default:
		logger.Get().ErrorContext(c.Request.Context(), "Unhandled featured placement error: "+err.Error())
		response.InternalError(c)
	}
}
