package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/teletherapy-api/internal/middleware"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

// Actor returns the authenticated actor. When there is none it records an
// unauthorized error and returns false.
func Actor(c *gin.Context) (model.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized(nil))
		return model.Actor{}, false
	}
	return actor, true
}

// BindError records a request decoding failure. Validation errors keep their
// field details; anything else renders as a malformed request.
func BindError(c *gin.Context, err error) {
	c.Error(err).SetType(gin.ErrorTypeBind)
}
