package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

const DefaultMaxBodySize int64 = 1 << 20

// BodyLimit rejects requests whose declared length exceeds max and caps
// reads of the rest. A body that turns out larger fails to bind, and
// ErrorHandler renders it as 413.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max <= 0 || c.Request.Body == nil {
			c.Next()
			return
		}
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Code:    http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", max),
				TraceID: c.GetString(ContextRequestID),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}
