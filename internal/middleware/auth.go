package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/teletherapy-api/internal/model"
	apperrors "github.com/jwalitptl/teletherapy-api/pkg/errors"
)

const ContextActor = "actor"

type TokenParser interface {
	ParseAccessToken(raw string) (model.Actor, error)
}

type AuthMiddleware struct {
	tokens TokenParser
}

func NewAuthMiddleware(tokens TokenParser) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate verifies the bearer token and stores the actor in the context.
// Browsers cannot set headers on EventSource requests, so an access_token
// query parameter is accepted as well.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.Error(apperrors.Unauthorized(nil))
			c.Abort()
			return
		}

		actor, err := m.tokens.ParseAccessToken(raw)
		if err != nil {
			c.Error(apperrors.Unauthorized(err))
			c.Abort()
			return
		}

		c.Set(ContextActor, actor)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if q := c.Query("access_token"); q != "" {
		return q, true
	}
	return "", false
}

// RequireRole rejects authenticated actors whose role is not listed.
func RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.Error(apperrors.Unauthorized(nil))
			c.Abort()
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.Error(apperrors.NewForbidden("role not permitted"))
		c.Abort()
	}
}

func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ContextActor)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
