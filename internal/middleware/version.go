package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	APIVersionHeader    = "X-API-Version"
	AcceptVersionHeader = "Accept-Version"
)

// Version stamps responses with the API version. A client asking for a
// different major version through Accept-Version gets 406.
func Version(current string) gin.HandlerFunc {
	major := majorOf(current)
	return func(c *gin.Context) {
		c.Header(APIVersionHeader, current)

		if requested := c.GetHeader(AcceptVersionHeader); requested != "" && majorOf(requested) != major {
			c.AbortWithStatusJSON(http.StatusNotAcceptable, ErrorResponse{
				Code:    http.StatusNotAcceptable,
				Message: fmt.Sprintf("API version %s not supported", requested),
				TraceID: c.GetString(ContextRequestID),
			})
			return
		}
		c.Next()
	}
}

func majorOf(version string) string {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	major, _, _ := strings.Cut(version, ".")
	return major
}
