// Package auth mounts the account routes: code delivery, login, registration and profile.
package auth

import (
	"github.com/chirino/chat-service/internal/plugin/route/respond"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 50,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			MountRoutes(r, deps.Accounts, deps.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the account routes. Only the profile route requires a token.
func MountRoutes(r *gin.Engine, accounts *service.AccountService, auth gin.HandlerFunc) {
	g := r.Group("/v1/auth")
	g.POST("/send-code", func(c *gin.Context) {
		sendCode(c, accounts)
	})
	g.POST("/login", func(c *gin.Context) {
		login(c, accounts)
	})
	g.POST("/code-login", func(c *gin.Context) {
		codeLogin(c, accounts)
	})
	g.POST("/register", func(c *gin.Context) {
		register(c, accounts)
	})
	g.GET("/profile", auth, func(c *gin.Context) {
		profile(c, accounts)
	})
}

func sendCode(c *gin.Context, accounts *service.AccountService) {
	var req struct {
		Mobile       string `json:"mobile"`
		TemplateType string `json:"template_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	if err := accounts.SendCode(c.Request.Context(), req.Mobile, req.TemplateType); err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, "verification code sent", nil)
}

func login(c *gin.Context, accounts *service.AccountService) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	token, err := accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, gin.H{"token": token})
}

func codeLogin(c *gin.Context, accounts *service.AccountService) {
	var req struct {
		Mobile string `json:"mobile"`
		Code   string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	token, err := accounts.CodeLogin(c.Request.Context(), req.Mobile, req.Code)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, gin.H{"token": token})
}

func register(c *gin.Context, accounts *service.AccountService) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, err)
		return
	}
	u, err := accounts.Register(c.Request.Context(), req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, "registration successful", service.ProfileOf(u))
}

func profile(c *gin.Context, accounts *service.AccountService) {
	p, err := accounts.Profile(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Success(c, p)
}
