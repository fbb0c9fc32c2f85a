package appointment

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/teletherapy-api/internal/handler"
	"github.com/jwalitptl/teletherapy-api/internal/middleware"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/service/appointment"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

type Handler struct {
	service *appointment.Service
}

func NewHandler(service *appointment.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	appointments := r.Group("/appointments")
	{
		appointments.POST("", middleware.RequireRole(model.RoleUser), h.CreateAppointment)
		appointments.GET("", h.ListAppointments)
		appointments.GET("/:id", h.GetAppointment)
		appointments.PATCH("/:id/status", h.UpdateStatus)
	}
}

func (h *Handler) CreateAppointment(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	var req model.CreateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	apt, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(apt))
}

func (h *Handler) GetAppointment(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	apt, err := h.service.Get(c.Request.Context(), actor, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(apt))
}

type listQuery struct {
	Status string    `form:"status"`
	From   time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To     time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int       `form:"limit" binding:"omitempty,min=1,max=200"`
}

func (h *Handler) ListAppointments(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.Error(apperrors.NewBadRequest("invalid query parameters", err))
		return
	}

	filters := model.AppointmentFilters{Limit: q.Limit}
	if q.Status != "" {
		for _, s := range strings.Split(q.Status, ",") {
			status, err := model.ParseAppointmentStatus(strings.TrimSpace(s))
			if err != nil {
				c.Error(apperrors.NewBadRequest("invalid status filter", err))
				return
			}
			filters.Statuses = append(filters.Statuses, status)
		}
	}
	if !q.From.IsZero() {
		filters.From = &q.From
	}
	if !q.To.IsZero() {
		filters.To = &q.To
	}

	apts, err := h.service.List(c.Request.Context(), actor, filters)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(apts))
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	var req model.UpdateAppointmentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	apt, err := h.service.UpdateStatus(c.Request.Context(), actor, id, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(apt))
}

func appointmentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.NewBadRequest("invalid appointment ID", err))
		return uuid.Nil, false
	}
	return id, true
}
