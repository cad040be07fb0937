package conversations

import (
	"github.com/chirino/chat-service/internal/plugin/route/respond"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  100,
		Loader: mount,
	})
}

func mount(r *gin.Engine, deps registryroute.Deps) error {
	MountRoutes(r, deps.Conversations, deps.Store, deps.Auth)
	return nil
}

// MountRoutes mounts conversation routes on the given router.
func MountRoutes(r *gin.Engine, svc *service.ConversationService, members security.MembershipChecker, auth gin.HandlerFunc) {
	g := r.Group("/v1/conversations", auth)

	g.GET("", func(c *gin.Context) {
		listConversations(c, svc)
	})
	g.POST("", func(c *gin.Context) {
		createConversation(c, svc)
	})

	member := g.Group("/:conversationId", security.RequireParticipant(members))
	member.GET("", func(c *gin.Context) {
		getConversation(c, svc)
	})
	member.GET("/messages", func(c *gin.Context) {
		listMessages(c, svc)
	})
	member.POST("/read", func(c *gin.Context) {
		markConversationRead(c, svc)
	})
}

func listConversations(c *gin.Context, svc *service.ConversationService) {
	views, err := svc.List(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, views)
}

func createConversation(c *gin.Context, svc *service.ConversationService) {
	var req service.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	created, err := svc.Create(c.Request.Context(), security.GetUserID(c), req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, created)
}

func getConversation(c *gin.Context, svc *service.ConversationService) {
	view, err := svc.Get(c.Request.Context(), security.GetUserID(c), security.GetConversationID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, view)
}

func listMessages(c *gin.Context, svc *service.ConversationService) {
	history, err := svc.History(c.Request.Context(), security.GetUserID(c), security.GetConversationID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, history)
}

func markConversationRead(c *gin.Context, svc *service.ConversationService) {
	n, err := svc.MarkConversationRead(c.Request.Context(), security.GetUserID(c), security.GetConversationID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, "all messages marked as read", gin.H{"marked": n})
}
