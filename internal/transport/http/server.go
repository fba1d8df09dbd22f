package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"aichat/internal/bootstrap"
	"aichat/internal/transport/http/handler"
	"aichat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	healthHandler := handler.NewHealthHandler(app)
	authHandler := handler.NewAuthHandler(app.Backend.Auth())
	chatHandler := handler.NewChatHandler(app.Data, app.Gateway, app.ChatOptions())
	aiHandler := handler.NewAIHandler(app.Gateway)
	requireAuth := middleware.AuthJWT(app.Backend.Auth())

	router.GET("/healthz", healthHandler.Check)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/signup", authHandler.Signup)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/password/reset", authHandler.RequestPasswordReset)
	authGroup.POST("/password/reset/confirm", authHandler.ConfirmPasswordReset)
	authGroup.POST("/logout", requireAuth, authHandler.Logout)
	authGroup.GET("/me", requireAuth, authHandler.Me)
	authGroup.PATCH("/profile", requireAuth, authHandler.UpdateProfile)
	authGroup.PUT("/password", requireAuth, authHandler.UpdatePassword)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(requireAuth)
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.GET("/sessions/:id", chatHandler.GetSession)
	chatGroup.PATCH("/sessions/:id", chatHandler.UpdateSession)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.GET("/sessions/:id/messages", chatHandler.ListMessages)
	chatGroup.GET("/sessions/:id/feed", chatHandler.SessionFeed)
	chatGroup.POST("/messages", chatHandler.SendMessage)
	chatGroup.POST("/messages/stream", chatHandler.StreamMessage)
	chatGroup.DELETE("/messages/:id", chatHandler.DeleteMessage)

	aiGroup := v1.Group("/ai")
	aiGroup.Use(requireAuth)
	aiGroup.GET("/providers", aiHandler.Providers)
	aiGroup.POST("/complete", aiHandler.Complete)

	return router
}
