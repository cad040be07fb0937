package messages

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
		Order: 110,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Conversations, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the per-message routes.
func MountRoutes(r *gin.Engine, svc *service.ConversationService, auth gin.HandlerFunc) {
	g := r.Group("/v1/messages", auth)
	g.POST("/:messageId/read", func(c *gin.Context) {
		markRead(c, svc)
	})
}

func markRead(c *gin.Context, svc *service.ConversationService) {
	id, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		respond.NotFound(c)
		return
	}
	status, err := svc.MarkRead(c.Request.Context(), security.GetUserID(c), id)
	if err != nil {
		respond.Error(c, err)
		return
	}
	message := "marked as read"
	if status == service.ReadStatusAlreadyRead {
		message = "already read"
	}
	respond.OK(c, message, gin.H{"status": status})
}
