package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/settlement/internal/actorcontext"
)

const HeaderActor = "X-Actor-Id"

// ActorContext propagates the caller identity header into the request
// context for audit attribution.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actorID != "" {
			ctx := actorcontext.WithActorID(c.Request.Context(), actorID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
