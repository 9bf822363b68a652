package http

import (
	"github.com/gin-gonic/gin"

	"botgpt/internal/bootstrap"
	"botgpt/internal/transport/http/handler"
	"botgpt/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	if app.Config.App.GinMode != "" {
		gin.SetMode(app.Config.App.GinMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID(), gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/", healthHandler.Root)
	router.GET("/health", healthHandler.Check)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.Services.Auth)
	conversationHandler := handler.NewConversationHandler(app.Services.Conversations)
	documentHandler := handler.NewDocumentHandler(app.Services.Documents)

	secret := app.Config.Auth.JWTSecret
	resolveUser := middleware.ResolveUser(secret, app.Config.Auth.AllowAnonymous, app.Services.Auth)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(secret), authHandler.Me)

	conversationGroup := v1.Group("/conversations")
	conversationGroup.Use(resolveUser)
	conversationGroup.POST("", conversationHandler.Create)
	conversationGroup.GET("", conversationHandler.List)
	conversationGroup.GET("/:id", conversationHandler.Get)
	conversationGroup.PUT("/:id", conversationHandler.AddMessage)
	conversationGroup.DELETE("/:id", conversationHandler.Delete)
	conversationGroup.GET("/:id/usage", conversationHandler.Usage)

	documentGroup := v1.Group("/documents")
	documentGroup.Use(resolveUser)
	documentGroup.POST("", documentHandler.Create)
	documentGroup.POST("/upload", documentHandler.Upload)
	documentGroup.GET("", documentHandler.List)
	documentGroup.GET("/:id", documentHandler.Get)

	return router
}
