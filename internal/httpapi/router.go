package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/consult-platform/internal/common"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/middleware"
	"github.com/suPer8Hu/consult-platform/internal/models"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(h.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeRouteNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllowed, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/categories", h.Categories)

	// auth
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Accounts))
	authGroup.GET("/user/get-user", h.GetUser)
	authGroup.GET("/ws", h.ServeWS)

	sessions := authGroup.Group("/chat-sessions")
	sessions.GET("", h.ListChatSessions)
	sessions.POST("", h.CreateChatSession)
	sessions.GET("/waiting", h.WaitingChatSessions)
	sessions.GET("/:id", h.GetChatSession)
	sessions.POST("/:id/accept", h.AcceptChatSession)
	sessions.GET("/:id/messages", h.ListChatMessages)
	sessions.POST("/:id/messages", h.SendChatMessage)
	sessions.POST("/:id/read", h.MarkChatRead)
	sessions.POST("/:id/close", h.CloseChatSession)
	sessions.GET("/:id/media-token", h.MediaToken)

	admin := authGroup.Group("/admin")
	admin.Use(middleware.RequireRole(models.RoleAdmin))
	admin.GET("/chat-sessions", h.AdminChatSessions)
	admin.PUT("/users/:id/role", h.SetUserRole)

	return r
}
