package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	TraceID string       `json:"trace_id,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// ErrorHandler renders the last error handlers attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		traceID := c.GetString(ContextRequestID)
		resp := ErrorResponse{TraceID: traceID}
		last := c.Errors.Last()
		err := last.Err

		var (
			appErr     *apperrors.AppError
			validation validator.ValidationErrors
			syntax     *json.SyntaxError
			typeErr    *json.UnmarshalTypeError
			tooLarge   *http.MaxBytesError
		)
		switch {
		case errors.As(err, &appErr):
			resp.Code = appErr.StatusCode()
			resp.Message = appErr.Message
		case errors.As(err, &validation):
			resp.Code = http.StatusBadRequest
			resp.Message = "validation failed"
			resp.Fields = FieldErrors(validation)
		case errors.As(err, &tooLarge):
			resp.Code = http.StatusRequestEntityTooLarge
			resp.Message = "request body too large"
		case errors.As(err, &syntax), errors.As(err, &typeErr), errors.Is(err, io.EOF), last.IsType(gin.ErrorTypeBind):
			resp.Code = http.StatusBadRequest
			resp.Message = "malformed request body"
		default:
			resp.Code = http.StatusInternalServerError
			resp.Message = "internal server error"
		}

		evt := log.Warn()
		if resp.Code >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.Err(err).
			Str("trace_id", traceID).
			Str("path", c.Request.URL.Path).
			Str("method", c.Request.Method).
			Int("status", resp.Code).
			Msg("Request error")

		c.AbortWithStatusJSON(resp.Code, resp)
	}
}
