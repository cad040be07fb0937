// Package stream mounts the WebSocket endpoint for live conversation messages.
package stream

import (
	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/plugin/route/respond"
	"github.com/chirino/chat-service/internal/realtime"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/chirino/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 200,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Gateway, deps.Gate, deps.Store)
			return nil
		},
	})
}

// MountRoutes mounts GET /ws/chat/:conversationId. The token travels in the "token"
// query parameter or as the first Sec-WebSocket-Protocol value since browsers cannot
// set headers on WebSocket requests.
func MountRoutes(r *gin.Engine, gateway *realtime.Gateway, gate *security.Gate, users security.AccountLookup) {
	r.GET("/ws/chat/:conversationId", func(c *gin.Context) {
		token, viaProtocol := security.StreamToken(c.Request)
		user, err := security.Authenticate(c.Request.Context(), gate, users, token)
		if err != nil {
			security.AbortUnauthenticated(c, err)
			return
		}
		convID, err := uuid.Parse(c.Param("conversationId"))
		if err != nil {
			respond.NotFound(c)
			return
		}
		security.SetIdentity(c, user)

		ws, err := gateway.Upgrade(c.Writer, c.Request, viaProtocol)
		if err != nil {
			// The upgrader has already written the HTTP error.
			log.Debug("WebSocket upgrade failed", "err", err)
			c.Abort()
			return
		}
		gateway.Serve(c.Request.Context(), ws, user.ID, user.Username, convID)
	})
}
