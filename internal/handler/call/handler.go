package call

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/teletherapy-api/internal/handler"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/service/signaling"
	"github.com/jwalitptl/teletherapy-api/pkg/auth"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

const DefaultHeartbeat = 15 * time.Second

type ChannelGranter interface {
	IssueChannelGrant(call *model.CallDocument, userID string) (auth.ChannelGrant, error)
}

type Handler struct {
	service   *signaling.Service
	grants    ChannelGranter
	heartbeat time.Duration
}

func NewHandler(service *signaling.Service, grants ChannelGranter) *Handler {
	return &Handler{service: service, grants: grants, heartbeat: DefaultHeartbeat}
}

// RegisterRoutes mounts request/response routes on r and the long-lived
// event streams on streams, which must not carry a request deadline.
func (h *Handler) RegisterRoutes(r, streams *gin.RouterGroup) {
	calls := r.Group("/calls")
	{
		calls.POST("", h.CreateCall)
		calls.GET("/:id", h.GetCall)
		calls.POST("/:id/ring", h.transition(h.service.MarkRinging))
		calls.POST("/:id/accept", h.transition(h.service.AcceptCall))
		calls.POST("/:id/decline", h.transition(h.service.DeclineCall))
		calls.POST("/:id/cancel", h.transition(h.service.CancelCall))
		calls.POST("/:id/missed", h.transition(h.service.MarkCallMissed))
		calls.POST("/:id/end", h.transition(h.service.EndCall))
		calls.PATCH("/:id/media", h.UpdateMedia)
		calls.POST("/:id/join", h.Join)
	}

	events := streams.Group("/calls")
	{
		events.GET("/incoming/events", h.StreamIncoming)
		events.GET("/:id/events", h.StreamCall)
	}
}

func (h *Handler) CreateCall(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	var req model.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	call, err := h.service.CreateCall(c.Request.Context(), actor, req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(call))
}

func (h *Handler) GetCall(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	call, err := h.service.GetCall(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(call))
}

type transitionFunc func(ctx context.Context, actor model.Actor, id string) (*model.CallDocument, error)

func (h *Handler) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := handler.Actor(c)
		if !ok {
			return
		}

		call, err := fn(c.Request.Context(), actor, c.Param("id"))
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, handler.NewSuccessResponse(call))
	}
}

func (h *Handler) UpdateMedia(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	var req model.UpdateMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	call, err := h.service.UpdateMediaState(c.Request.Context(), actor, c.Param("id"), model.MediaState{
		VideoEnabled: *req.VideoEnabled,
		AudioEnabled: *req.AudioEnabled,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(call))
}

// Join issues a video channel grant to a party of an accepted call.
func (h *Handler) Join(c *gin.Context) {
	actor, ok := handler.Actor(c)
	if !ok {
		return
	}

	call, err := h.service.GetCall(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	if call.Status != model.CallStatusAccepted {
		c.Error(apperrors.NewConflict("call is not accepted", nil))
		return
	}

	grant, err := h.grants.IssueChannelGrant(call, actor.UserID)
	if err != nil {
		c.Error(apperrors.NewInternal(err))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(grant))
}
