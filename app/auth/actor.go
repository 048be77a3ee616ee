package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/novatra/novatra/manager"
	"github.com/novatra/novatra/utils"
)

const ActorHeader = "X-Novatra-Actor"

// Actor puts the caller's identity on the request context. It comes from
// the X-Novatra-Actor header or else the basic-auth username; requests
// without either are anonymous.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := utils.ActorFromHeaders(c.GetHeader(ActorHeader), c.GetHeader("Authorization"))
		if actor != "" {
			c.Request = c.Request.WithContext(manager.WithActor(c.Request.Context(), actor))
			c.Set("actor", actor)
		}
		c.Next()
	}
}
