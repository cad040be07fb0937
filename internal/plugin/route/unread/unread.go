package unread

import (
	"github.com/chirino/chat-service/internal/plugin/route/respond"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 120,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Conversations, deps.Store, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the unread counters.
func MountRoutes(r *gin.Engine, svc *service.ConversationService, members security.MembershipChecker, auth gin.HandlerFunc) {
	g := r.Group("/v1/unread", auth)
	g.GET("", func(c *gin.Context) {
		count(c, svc, nil)
	})
	g.GET("/:conversationId", security.RequireParticipant(members), func(c *gin.Context) {
		id := security.GetConversationID(c)
		count(c, svc, &id)
	})
}

func count(c *gin.Context, svc *service.ConversationService, conversationID *uuid.UUID) {
	n, err := svc.UnreadCount(c.Request.Context(), security.GetUserID(c), conversationID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, gin.H{"unread_count": n})
}
