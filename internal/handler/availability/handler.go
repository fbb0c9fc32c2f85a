package availability

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/handler"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/service/availability"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

type Handler struct {
	service *availability.Service
}

func NewHandler(service *availability.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts read-only routes on public and schedule management on
// protected.
func (h *Handler) RegisterRoutes(public, protected *gin.RouterGroup) {
	therapists := public.Group("/therapists/:id")
	{
		therapists.GET("/availability", h.GetAvailableSlots)
		therapists.GET("/availability/summary", h.GetAvailabilitySummary)
		therapists.GET("/weekly-availability", h.ListWeeklyAvailability)
	}

	owner := protected.Group("/therapists/:id")
	{
		owner.PUT("/weekly-availability", h.ReplaceWeeklyAvailability)
		owner.GET("/blocked-slots", h.ListBlockedSlots)
		owner.POST("/blocked-slots", h.AddBlockedSlot)
		owner.DELETE("/blocked-slots/:slotId", h.RemoveBlockedSlot)
	}
}

type slotsQuery struct {
	Date string `form:"date" binding:"required,civildate"`
}

func (h *Handler) GetAvailableSlots(c *gin.Context) {
	var q slotsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.BindError(c, err)
		return
	}

	slots, err := h.service.GetAvailableSlots(c.Request.Context(), c.Param("id"), q.Date)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(slots))
}

type summaryQuery struct {
	Month string `form:"month" binding:"required,civilmonth"`
}

func (h *Handler) GetAvailabilitySummary(c *gin.Context) {
	var q summaryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.BindError(c, err)
		return
	}

	summary, err := h.service.GetAvailabilitySummary(c.Request.Context(), c.Param("id"), q.Month)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(summary))
}

func (h *Handler) ListWeeklyAvailability(c *gin.Context) {
	windows, err := h.service.ListWeeklyAvailability(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(windows))
}

func (h *Handler) ReplaceWeeklyAvailability(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := therapistID(c)
	if !ok {
		return
	}

	var req model.ReplaceWeeklyAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	windows, err := h.service.ReplaceWeeklyAvailability(c.Request.Context(), actor, id, req.Windows)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(windows))
}

type blockedQuery struct {
	From string `form:"from" binding:"omitempty,civildate"`
	To   string `form:"to" binding:"omitempty,civildate"`
}

func (h *Handler) ListBlockedSlots(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := therapistID(c)
	if !ok {
		return
	}

	var q blockedQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.BindError(c, err)
		return
	}

	slots, err := h.service.ListBlockedSlots(c.Request.Context(), actor, id, q.From, q.To)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(slots))
}

func (h *Handler) AddBlockedSlot(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := therapistID(c)
	if !ok {
		return
	}

	var req model.CreateBlockedSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	slot, err := h.service.AddBlockedSlot(c.Request.Context(), actor, id, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(slot))
}

func (h *Handler) RemoveBlockedSlot(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := therapistID(c)
	if !ok {
		return
	}
	slotID, err := uuid.Parse(c.Param("slotId"))
	if err != nil {
		c.Error(apperrors.NewBadRequest("invalid blocked slot ID", err))
		return
	}

	if err := h.service.RemoveBlockedSlot(c.Request.Context(), actor, id, slotID); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func therapistID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.NewBadRequest("invalid therapist ID", err))
		return uuid.Nil, false
	}
	return id, true
}
